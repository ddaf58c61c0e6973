package divratio

import (
	"context"
	"fmt"
	"time"
)

const DateFormat = "2006-01-02"

// DefaultPeriod is the trailing window of daily bars a calculation covers.
const DefaultPeriod = "5y"

type HistoryService interface {
	Fetch(
		ctx context.Context,
		in *HistoryFetchInput,
	) (*HistoryFetchOutput, error)
}

type HistoryFetchInput struct {
	Symbol string
	Period string
}

type HistoryFetchOutput struct {
	Bars []*Bar

	// Unpriced are dividends that went ex on a day without a bar.
	Unpriced []*DividendEvent
}

// Bar is one trading day of a symbol. Dividend is zero unless a dividend
// went ex on that day; DividendCurrency is empty when it is paid in the
// price currency.
type Bar struct {
	Date             time.Time
	Open             float64
	High             float64
	Low              float64
	Close            float64
	Volume           float64
	Dividend         float64
	DividendCurrency string
	Currency         string
}

func (b *Bar) String() string {
	return fmt.Sprintf("%v: %v",
		b.Date.Format(DateFormat),
		b.Close,
	)
}

type DividendEvent struct {
	Date     time.Time
	Amount   float64
	Currency string
}

func (d *DividendEvent) String() string {
	return fmt.Sprintf("%v: %v",
		d.Date.Format(DateFormat),
		d.Amount,
	)
}

type Fetcher interface {
	Fetch(
		ctx context.Context,
		in *FetchInput,
	) (*FetchOutput, error)
}

type FetchInput struct {
	Symbol string
}

type FetchOutput struct {
	Bars      []*Bar
	Dividends []*DividendEvent
}

type CurrencyService interface {
	Convert(
		ctx context.Context,
		in *CurrencyConvertInput,
	) (*CurrencyConvertOutput, error)
}

type CurrencyConvertInput struct {
	From   string
	To     string
	Amount float64
	Date   time.Time
}

type CurrencyConvertOutput struct {
	Amount float64
	Rate   float64
}

type BenchmarkService interface {
	DividendYield(
		ctx context.Context,
		in *BenchmarkDividendYieldInput,
	) (*BenchmarkDividendYieldOutput, error)
}

type BenchmarkDividendYieldInput struct {
}

type BenchmarkDividendYieldOutput struct {
	Benchmark Benchmark
}

// Benchmark is the current dividend yield of a market index, in percent.
type Benchmark struct {
	Name      string
	Yield     float64
	Timestamp string
}

// Ratio is the price/dividend ratio implied by the benchmark yield.
func (b Benchmark) Ratio() float64 {
	if b.Yield <= 0 {
		return 0
	}
	return 100 / b.Yield
}

type RatioRow struct {
	Date     time.Time `json:"date"`
	Dividend float64   `json:"dividend"`
	Price    float64   `json:"price"`
	Ratio    float64   `json:"price_dividend_ratio"`
}

type SkipReason string

const (
	SkipNoPrice             SkipReason = "no-price"
	SkipNonPositiveDividend SkipReason = "non-positive-dividend"
)

// Skip is a dividend event that produced no row.
type Skip struct {
	Date     time.Time  `json:"date"`
	Dividend float64    `json:"dividend"`
	Reason   SkipReason `json:"reason"`
}

type ResultSet struct {
	Symbol     string      `json:"symbol"`
	Rows       []*RatioRow `json:"rows"`
	Skipped    []*Skip     `json:"skipped,omitempty"`
	Calculated time.Time   `json:"calculated"`
}

func (r *ResultSet) Empty() bool {
	return r == nil || len(r.Rows) == 0
}
