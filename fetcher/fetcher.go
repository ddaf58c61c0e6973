package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"szakszon.com/divratio"
	"szakszon.com/divratio/logger"
)

type options struct {
	historyService  divratio.HistoryService
	currencyService divratio.CurrencyService
	period          string
	logger          logger.Logger
}

type Option func(o options) options

func HistoryService(s divratio.HistoryService) Option {
	return func(o options) options {
		o.historyService = s
		return o
	}
}

// CurrencyService converts dividends paid in a currency other than the
// price currency. Without it such dividends are passed through unchanged.
func CurrencyService(s divratio.CurrencyService) Option {
	return func(o options) options {
		o.currencyService = s
		return o
	}
}

func Period(p string) Option {
	return func(o options) options {
		o.period = p
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
	historyService:  nil,
	currencyService: nil,
	period:          divratio.DefaultPeriod,
	logger:          nil,
}

func NewFetcher(os ...Option) *Fetcher {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	return &Fetcher{
		opts: opts,
	}
}

type Fetcher struct {
	opts options
}

func (f *Fetcher) Fetch(
	ctx context.Context,
	in *divratio.FetchInput,
) (*divratio.FetchOutput, error) {
	if f.opts.historyService == nil {
		return nil, &divratio.FetchError{
			Symbol: in.Symbol,
			Err:    fmt.Errorf("no history service"),
		}
	}

	out, err := f.opts.historyService.Fetch(
		ctx,
		&divratio.HistoryFetchInput{
			Symbol: in.Symbol,
			Period: f.opts.period,
		},
	)
	if err != nil {
		return nil, &divratio.FetchError{Symbol: in.Symbol, Err: err}
	}

	bars := normalize(out.Bars)

	dividends := make([]*divratio.DividendEvent, 0)
	for _, b := range bars {
		if b.Dividend <= 0 {
			continue
		}

		currency := b.DividendCurrency
		if currency == "" {
			currency = b.Currency
		}
		amount, currency, err := f.convert(ctx, in.Symbol, b.Date, b.Dividend, currency, b.Currency)
		if err != nil {
			return nil, &divratio.FetchError{
				Symbol: in.Symbol,
				Err:    fmt.Errorf("convert dividend %v: %w", b.Date.Format(divratio.DateFormat), err),
			}
		}
		if currency == b.Currency {
			b.Dividend = amount
			b.DividendCurrency = ""
		}

		dividends = append(dividends, &divratio.DividendEvent{
			Date:     b.Date,
			Amount:   amount,
			Currency: currency,
		})
	}

	priceCurrency := ""
	if len(bars) > 0 {
		priceCurrency = bars[len(bars)-1].Currency
	}
	for _, d := range out.Unpriced {
		if d == nil || d.Amount <= 0 {
			continue
		}

		currency := d.Currency
		if currency == "" {
			currency = priceCurrency
		}
		amount, currency, err := f.convert(ctx, in.Symbol, d.Date, d.Amount, currency, priceCurrency)
		if err != nil {
			return nil, &divratio.FetchError{
				Symbol: in.Symbol,
				Err:    fmt.Errorf("convert dividend %v: %w", d.Date.Format(divratio.DateFormat), err),
			}
		}

		dividends = append(dividends, &divratio.DividendEvent{
			Date:     d.Date,
			Amount:   amount,
			Currency: currency,
		})
	}

	sort.SliceStable(dividends, func(i, j int) bool {
		return dividends[i].Date.Before(dividends[j].Date)
	})

	f.log("%v: %d bars, %d dividends", in.Symbol, len(bars), len(dividends))

	return &divratio.FetchOutput{
		Bars:      bars,
		Dividends: dividends,
	}, nil
}

// convert returns amount in the price currency to, along with the
// currency the returned amount is in. Amounts it cannot convert are
// returned unchanged.
func (f *Fetcher) convert(
	ctx context.Context,
	symbol string,
	date time.Time,
	amount float64,
	from string,
	to string,
) (float64, string, error) {
	if from == "" || to == "" || strings.EqualFold(from, to) {
		return amount, from, nil
	}

	if f.opts.currencyService == nil {
		f.log("%v: dividend %v in %v, price in %v, not converted",
			symbol, amount, from, to)
		return amount, from, nil
	}

	out, err := f.opts.currencyService.Convert(
		ctx,
		&divratio.CurrencyConvertInput{
			From:   from,
			To:     to,
			Amount: amount,
			Date:   date,
		},
	)
	if err != nil {
		return 0, "", err
	}

	f.log("%v: dividend %v %v -> %v %v (rate %v)",
		symbol, amount, from, out.Amount, to, out.Rate)
	return out.Amount, to, nil
}

func (f *Fetcher) log(format string, v ...interface{}) {
	if f.opts.logger != nil {
		f.opts.logger.Logf(format, v...)
	}
}

// normalize returns copies of the bars sorted ascending by date. Bars
// sharing a date collapse to the last one in the provider's order.
func normalize(in []*divratio.Bar) []*divratio.Bar {
	bars := make([]*divratio.Bar, 0, len(in))
	for _, b := range in {
		if b == nil {
			continue
		}
		c := *b
		bars = append(bars, &c)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	out := make([]*divratio.Bar, 0, len(bars))
	for _, b := range bars {
		n := len(out)
		if n > 0 && out[n-1].Date.Equal(b.Date) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
