package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"text/template"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"szakszon.com/divratio"
)

// DB is a divratio.ResultStore keeping the search history in Postgres.
type DB struct {
	DB     *sql.DB
	Schema string
}

// Open connects to the database at the given lib/pq connection string.
func Open(dsn string, schema string) (*DB, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaRE.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name: %q", schema)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, Schema: schema}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

const DefaultSchema = "divratio"

var schemaRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (db *DB) InitSchema(ctx context.Context) error {
	s, err := initSchemaSQL(db.schema())
	if err != nil {
		return err
	}

	return execTx(ctx, db.DB, func(runner runner) error {
		_, err := runner.ExecContext(ctx, s)
		return err
	})
}

func initSchemaSQL(schema string) (string, error) {
	tmpl := template.Must(template.New("init").Parse(initSchemaTmpl))
	buf := &bytes.Buffer{}
	err := tmpl.Execute(buf, map[string]string{"Schema": schema})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (db *DB) schema() string {
	if db.Schema == "" {
		return DefaultSchema
	}
	return db.Schema
}

func (db *DB) SaveResult(
	ctx context.Context,
	rs *divratio.ResultSet,
) error {
	if rs == nil || rs.Symbol == "" {
		return nil
	}

	schema := db.schema()

	return execTx(ctx, db.DB, func(runner runner) error {
		q := insertSearchQuery(schema, rs)
		sql, args, err := q.ToSql()
		if err != nil {
			return err
		}

		var id int64
		err = runner.QueryRowContext(ctx, sql, args...).Scan(&id)
		if err != nil {
			return err
		}

		if len(rs.Rows) == 0 {
			return nil
		}

		stmt, err := runner.PrepareContext(ctx, pq.CopyInSchema(
			schema, "ratio_row", "search_id", "date",
			"dividend", "price", "ratio"))
		if err != nil {
			return err
		}

		for _, v := range rs.Rows {
			select {
			case <-ctx.Done():
				stmt.Close()
				return ctx.Err()
			default:
				// noop
			}

			_, err = stmt.ExecContext(ctx, id, v.Date, v.Dividend,
				v.Price, v.Ratio)
			if err != nil {
				stmt.Close()
				return err
			}
		}

		_, err = stmt.ExecContext(ctx)
		if err != nil {
			stmt.Close()
			return err
		}

		return stmt.Close()
	})
}

func insertSearchQuery(
	schema string,
	rs *divratio.ResultSet,
) sq.InsertBuilder {
	return sq.Insert(schema+".search").
		Columns("symbol", "calculated", "row_count", "skipped_count").
		Values(rs.Symbol, rs.Calculated, len(rs.Rows), len(rs.Skipped)).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar)
}

func (db *DB) Searches(
	ctx context.Context,
	f *divratio.SearchFilter,
) ([]*divratio.Search, error) {
	searches := make([]*divratio.Search, 0)

	err := execNonTx(ctx, db.DB, func(runner runner) error {
		q := searchesQuery(db.schema(), f)

		sql, args, err := q.ToSql()
		if err != nil {
			return err
		}

		rows, err := runner.QueryContext(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			var symbol string
			var calculated time.Time
			var rowCount int
			var skippedCount int

			err = rows.Scan(&id, &symbol, &calculated, &rowCount,
				&skippedCount)
			if err != nil {
				return err
			}
			searches = append(searches, &divratio.Search{
				ID:         id,
				Symbol:     symbol,
				Calculated: calculated,
				Rows:       rowCount,
				Skipped:    skippedCount,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return searches, nil
}

func searchesQuery(
	schema string,
	f *divratio.SearchFilter,
) sq.SelectBuilder {
	q := sq.Select(
		"id", "symbol", "calculated", "row_count", "skipped_count").
		From(schema + ".search").
		OrderBy("calculated desc", "id desc").
		PlaceholderFormat(sq.Dollar)

	if f == nil {
		return q
	}

	if f.Symbol != "" {
		q = q.Where(sq.Eq{"symbol": f.Symbol})
	}

	if !f.From.IsZero() {
		q = q.Where("calculated >= ?", f.From)
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

func (db *DB) Rows(
	ctx context.Context,
	searchID int64,
) ([]*divratio.RatioRow, error) {
	ratioRows := make([]*divratio.RatioRow, 0)

	err := execNonTx(ctx, db.DB, func(runner runner) error {
		q := sq.Select("date", "dividend", "price", "ratio").
			From(db.schema() + ".ratio_row").
			Where(sq.Eq{"search_id": searchID}).
			OrderBy("date").
			PlaceholderFormat(sq.Dollar)

		sql, args, err := q.ToSql()
		if err != nil {
			return err
		}

		rows, err := runner.QueryContext(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var date time.Time
			var dividend float64
			var price float64
			var ratio float64

			err = rows.Scan(&date, &dividend, &price, &ratio)
			if err != nil {
				return err
			}
			ratioRows = append(ratioRows, &divratio.RatioRow{
				Date:     date,
				Dividend: dividend,
				Price:    price,
				Ratio:    ratio,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ratioRows, nil
}

type runner interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func execTx(
	ctx context.Context,
	db *sql.DB,
	fn func(runner runner) error,
) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func execNonTx(
	ctx context.Context,
	db *sql.DB,
	fn func(runner runner) error,
) error {
	return fn(db)
}

const initSchemaTmpl = `
create schema if not exists {{.Schema}};

create table if not exists {{.Schema}}.search (
    id            bigserial not null,
    symbol        varchar(20) not null,
    calculated    timestamptz not null,
    row_count     integer not null,
    skipped_count integer not null,
    PRIMARY KEY(id)
);

create index if not exists search_symbol_idx
    on {{.Schema}}.search (symbol, calculated desc);

create table if not exists {{.Schema}}.ratio_row (
    search_id   bigint not null references {{.Schema}}.search(id) on delete cascade,
    date        date not null,
    dividend    numeric not null,
    price       numeric not null,
    ratio       numeric not null,
    PRIMARY KEY(search_id, date)
);
`
