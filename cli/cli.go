package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"szakszon.com/divratio"
)

type Command struct {
	name string
	opts options
	args []string
}

func NewCommand(
	name string,
	args []string,
	os ...Option,
) *Command {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	return &Command{
		name: name,
		opts: opts,
		args: args,
	}
}

func (c *Command) Execute(ctx context.Context) error {
	switch c.name {
	case "serve":
		return c.serve(ctx)
	case "ratio":
		return c.ratio(ctx)
	case "history":
		return c.history(ctx)
	default:
		return fmt.Errorf("invalid command: %v", c.name)
	}
}

func (c *Command) serve(ctx context.Context) error {
	if c.opts.server == nil {
		return fmt.Errorf("serve: no server configured")
	}
	return c.opts.server.ListenAndServe(ctx, c.opts.addr)
}

func (c *Command) ratio(ctx context.Context) error {
	if len(c.args) != 1 {
		return fmt.Errorf("ratio: expected one symbol, got %d", len(c.args))
	}
	if c.opts.calculator == nil {
		return fmt.Errorf("ratio: no calculator configured")
	}

	o := c.opts.calculator.Calculate(ctx, c.args[0])
	if o.Failed() {
		return o.Failure
	}

	c.writeRatios(o.Result)
	c.writeRatiosFooter(ctx, o.Result)
	return nil
}

func (c *Command) writeRatios(rs *divratio.ResultSet) {
	out := &bytes.Buffer{}
	w := tabwriter.NewWriter(
		out, 0, 0, 2, ' ', tabwriter.AlignRight)

	p := message.NewPrinter(language.English)

	b := &bytes.Buffer{}
	b.WriteString("Date")
	b.WriteByte('\t')
	b.WriteString("Dividend")
	b.WriteByte('\t')
	b.WriteString("Price")
	b.WriteByte('\t')
	b.WriteString("Price/Dividend")
	b.WriteByte('\t')
	fmt.Fprintln(w, b.String())

	for _, row := range rs.Rows {
		b.Reset()
		b.WriteString(row.Date.Format(divratio.DateFormat))
		b.WriteByte('\t')
		b.WriteString(p.Sprintf("%v", row.Dividend))
		b.WriteByte('\t')
		b.WriteString(p.Sprintf("%.2f", row.Price))
		b.WriteByte('\t')
		b.WriteString(p.Sprintf("%.2f", row.Ratio))
		b.WriteByte('\t')
		fmt.Fprintln(w, b.String())
	}

	w.Flush()
	c.writef("%s", out.String())
}

func (c *Command) writeRatiosFooter(
	ctx context.Context,
	rs *divratio.ResultSet,
) {
	out := &bytes.Buffer{}
	w := tabwriter.NewWriter(
		out, 0, 0, 2, ' ', 0)

	p := message.NewPrinter(language.English)

	b := &bytes.Buffer{}
	fmt.Fprintln(w)

	b.WriteString("Symbol:")
	b.WriteByte('\t')
	b.WriteString(rs.Symbol)
	b.WriteByte('\t')
	fmt.Fprintln(w, b.String())

	b.Reset()
	b.WriteString("Dividends:")
	b.WriteByte('\t')
	b.WriteString(strconv.Itoa(len(rs.Rows)))
	b.WriteByte('\t')
	fmt.Fprintln(w, b.String())

	for _, s := range rs.Skipped {
		b.Reset()
		b.WriteString("Skipped:")
		b.WriteByte('\t')
		b.WriteString(fmt.Sprintf("%v %v (%v)",
			s.Date.Format(divratio.DateFormat), s.Dividend, s.Reason))
		b.WriteByte('\t')
		fmt.Fprintln(w, b.String())
	}

	if c.opts.benchmark != nil {
		bout, err := c.opts.benchmark.DividendYield(
			ctx,
			&divratio.BenchmarkDividendYieldInput{},
		)
		if err == nil {
			bm := bout.Benchmark
			b.Reset()
			b.WriteString(bm.Name + " dividend yield:")
			b.WriteByte('\t')
			b.WriteString(p.Sprintf("%.2f%%", bm.Yield))
			if bm.Timestamp != "" {
				b.WriteString(" (" + bm.Timestamp + ")")
			}
			b.WriteByte('\t')
			fmt.Fprintln(w, b.String())

			b.Reset()
			b.WriteString(bm.Name + " price/dividend:")
			b.WriteByte('\t')
			b.WriteString(p.Sprintf("%.2f", bm.Ratio()))
			b.WriteByte('\t')
			fmt.Fprintln(w, b.String())
		}
	}

	w.Flush()
	c.writef("%s", out.String())
}

func (c *Command) history(ctx context.Context) error {
	if c.opts.db == nil {
		return fmt.Errorf("history: no database configured")
	}
	if len(c.args) > 1 {
		return fmt.Errorf("history: expected at most one symbol, got %d", len(c.args))
	}

	f := &divratio.SearchFilter{
		Limit: c.opts.historyLimit,
	}
	if len(c.args) == 1 {
		f.Symbol = strings.ToUpper(strings.TrimSpace(c.args[0]))
	}

	searches, err := c.opts.db.Searches(ctx, f)
	if err != nil {
		return err
	}

	out := &bytes.Buffer{}
	w := tabwriter.NewWriter(
		out, 0, 0, 2, ' ', tabwriter.AlignRight)

	b := &bytes.Buffer{}
	b.WriteString("ID")
	b.WriteByte('\t')
	b.WriteString(fmt.Sprintf("%-10v", "Symbol"))
	b.WriteByte('\t')
	b.WriteString("Calculated")
	b.WriteByte('\t')
	b.WriteString("Rows")
	b.WriteByte('\t')
	b.WriteString("Skipped")
	b.WriteByte('\t')
	fmt.Fprintln(w, b.String())

	for _, s := range searches {
		b.Reset()
		b.WriteString(strconv.FormatInt(s.ID, 10))
		b.WriteByte('\t')
		b.WriteString(fmt.Sprintf("%-10v", s.Symbol))
		b.WriteByte('\t')
		b.WriteString(s.Calculated.UTC().Format("2006-01-02 15:04:05"))
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(s.Rows))
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(s.Skipped))
		b.WriteByte('\t')
		fmt.Fprintln(w, b.String())
	}

	w.Flush()
	c.writef("%s", out.String())
	return nil
}

func (c *Command) writef(format string, v ...interface{}) {
	if c.opts.writer != nil {
		fmt.Fprintf(c.opts.writer, format, v...)
	}
}

// Calculator computes the outcome for a ticker symbol.
type Calculator interface {
	Calculate(ctx context.Context, symbol string) *divratio.Outcome
}

type Server interface {
	ListenAndServe(ctx context.Context, addr string) error
}

var defaultOptions = options{
	writer:       nil,
	historyLimit: 20,
}

type options struct {
	writer       io.Writer
	calculator   Calculator
	benchmark    divratio.BenchmarkService
	db           divratio.ResultStore
	server       Server
	addr         string
	historyLimit uint64
}

type Option func(o options) options

func Writer(v io.Writer) Option {
	return func(o options) options {
		o.writer = v
		return o
	}
}

func WithCalculator(v Calculator) Option {
	return func(o options) options {
		o.calculator = v
		return o
	}
}

func BenchmarkService(v divratio.BenchmarkService) Option {
	return func(o options) options {
		o.benchmark = v
		return o
	}
}

func DB(v divratio.ResultStore) Option {
	return func(o options) options {
		o.db = v
		return o
	}
}

func WithServer(v Server) Option {
	return func(o options) options {
		o.server = v
		return o
	}
}

func Addr(v string) Option {
	return func(o options) options {
		o.addr = v
		return o
	}
}

func HistoryLimit(v uint64) Option {
	return func(o options) options {
		o.historyLimit = v
		return o
	}
}
