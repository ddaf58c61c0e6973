package divratio

import (
	"context"
	"time"
)

// ResultStore keeps a history of calculations.
type ResultStore interface {
	InitSchema(ctx context.Context) error
	SaveResult(ctx context.Context, rs *ResultSet) error
	Searches(ctx context.Context, f *SearchFilter) ([]*Search, error)
	Rows(ctx context.Context, searchID int64) ([]*RatioRow, error)
}

type Search struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Calculated time.Time `json:"calculated"`
	Rows       int       `json:"rows"`
	Skipped    int       `json:"skipped"`
}

type SearchFilter struct {
	Symbol string
	From   time.Time
	Limit  uint64
}
