package ratio

import (
	"context"
	"strings"
	"time"

	"szakszon.com/divratio"
	"szakszon.com/divratio/logger"
)

// Compute returns one row per dividend event that went ex on a day present
// in bars, in the order of dividends. Events without a price or with a
// non-positive amount are reported in Skipped.
func Compute(
	bars []*divratio.Bar,
	dividends []*divratio.DividendEvent,
) *divratio.ResultSet {
	rs := &divratio.ResultSet{
		Rows:    make([]*divratio.RatioRow, 0, len(dividends)),
		Skipped: make([]*divratio.Skip, 0),
	}
	if len(dividends) == 0 {
		return rs
	}

	closes := make(map[string]float64, len(bars))
	for _, b := range bars {
		closes[b.Date.Format(divratio.DateFormat)] = b.Close
	}

	for _, d := range dividends {
		if d.Amount <= 0 {
			rs.Skipped = append(rs.Skipped, &divratio.Skip{
				Date:     d.Date,
				Dividend: d.Amount,
				Reason:   divratio.SkipNonPositiveDividend,
			})
			continue
		}

		price, ok := closes[d.Date.Format(divratio.DateFormat)]
		if !ok {
			rs.Skipped = append(rs.Skipped, &divratio.Skip{
				Date:     d.Date,
				Dividend: d.Amount,
				Reason:   divratio.SkipNoPrice,
			})
			continue
		}

		rs.Rows = append(rs.Rows, &divratio.RatioRow{
			Date:     d.Date,
			Dividend: d.Amount,
			Price:    price,
			Ratio:    price / d.Amount,
		})
	}

	return rs
}

type options struct {
	fetcher divratio.Fetcher
	store   divratio.ResultStore
	clock   func() time.Time
	logger  logger.Logger
}

type Option func(o options) options

func Fetcher(f divratio.Fetcher) Option {
	return func(o options) options {
		o.fetcher = f
		return o
	}
}

// Store records every successful calculation. Optional.
func Store(s divratio.ResultStore) Option {
	return func(o options) options {
		o.store = s
		return o
	}
}

func Clock(f func() time.Time) Option {
	return func(o options) options {
		o.clock = f
		return o
	}
}

func Log(l logger.Logger) Option {
	return func(o options) options {
		o.logger = l
		return o
	}
}

var defaultOptions = options{
	fetcher: nil,
	store:   nil,
	clock:   time.Now,
	logger:  nil,
}

func NewCalculator(os ...Option) *Calculator {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}
	return &Calculator{
		opts: opts,
	}
}

// Calculator fetches the history of a symbol and computes its price/dividend
// ratios.
type Calculator struct {
	opts options
}

func (c *Calculator) Calculate(
	ctx context.Context,
	symbol string,
) *divratio.Outcome {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return divratio.Success(&divratio.ResultSet{
			Rows: []*divratio.RatioRow{},
		})
	}

	out, err := c.opts.fetcher.Fetch(ctx, &divratio.FetchInput{Symbol: symbol})
	if err != nil {
		c.log("%v: fetch: %v", symbol, err)
		return divratio.Fail(err)
	}

	rs := Compute(out.Bars, out.Dividends)
	rs.Symbol = symbol
	rs.Calculated = c.opts.clock().UTC()

	for _, s := range rs.Skipped {
		c.log("%v: skip dividend %v on %v: %v",
			symbol, s.Dividend, s.Date.Format(divratio.DateFormat), s.Reason)
	}

	if c.opts.store != nil {
		err := c.opts.store.SaveResult(ctx, rs)
		if err != nil {
			c.log("%v: save result: %v", symbol, err)
		}
	}

	return divratio.Success(rs)
}

func (c *Calculator) log(format string, v ...interface{}) {
	if c.opts.logger != nil {
		c.opts.logger.Logf(format, v...)
	}
}
