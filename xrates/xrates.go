package xrates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/time/rate"
	"szakszon.com/divratio"
	"szakszon.com/divratio/httprate"
	"szakszon.com/divratio/logger"
)

// NewCurrencyService converts dividend amounts at the historical rates
// published by x-rates.com. Rates are kept per currency pair and day, so
// repeated searches of a symbol hit the site once per ex-date.
func NewCurrencyService(os ...Option) divratio.CurrencyService {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	return &currencyService{
		client: httprate.NewClient(
			opts.timeout,
			opts.rateLimiter,
			opts.userAgent,
		),
		opts:  opts,
		rates: make(map[rateKey]float64),
	}
}

type currencyService struct {
	client *httprate.RLClient
	opts   options

	mu    sync.Mutex
	rates map[rateKey]float64
}

type rateKey struct {
	from string
	to   string
	date string
}

func (s *currencyService) Convert(
	ctx context.Context,
	in *divratio.CurrencyConvertInput,
) (*divratio.CurrencyConvertOutput, error) {
	from := strings.ToUpper(in.From)
	to := strings.ToUpper(in.To)
	if from == to {
		return &divratio.CurrencyConvertOutput{
			Amount: in.Amount,
			Rate:   1,
		}, nil
	}

	key := rateKey{
		from: from,
		to:   to,
		date: in.Date.Format(divratio.DateFormat),
	}

	s.mu.Lock()
	r, ok := s.rates[key]
	s.mu.Unlock()

	if !ok {
		var err error
		r, err = s.fetchRate(ctx, key)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.rates[key] = r
		s.mu.Unlock()
	}

	return &divratio.CurrencyConvertOutput{
		Amount: in.Amount * r,
		Rate:   r,
	}, nil
}

func (s *currencyService) fetchRate(
	ctx context.Context,
	key rateKey,
) (float64, error) {
	u := s.opts.baseURL + "/historical/?" + url.Values{
		"from":   {key.from},
		"amount": {"1"},
		"date":   {key.date},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	s.logf("%v %v", resp.StatusCode, u)

	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		return 0, &divratio.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        u,
		}
	}

	table, err := parseRates(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", divratio.ErrMalformedResponse, err)
	}

	if v, ok := table[[2]string{key.from, key.to}]; ok && v > 0 {
		return v, nil
	}
	// the page of a base currency may only list the inverse quote
	if v, ok := table[[2]string{key.to, key.from}]; ok && v > 0 {
		return 1 / v, nil
	}
	return 0, fmt.Errorf("%w: no rate %v -> %v on %v",
		divratio.ErrMalformedResponse, key.from, key.to, key.date)
}

// parseRates reads the rate links of a historical rates page, e.g.
// <a href='https://www.x-rates.com/graph/?from=CAD&amp;to=USD'>0.829220</a>
func parseRates(r io.Reader) (map[[2]string]float64, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, err
	}

	rates := make(map[[2]string]float64)
	for _, a := range htmlquery.Find(doc, `//a[contains(@href, "from=")]`) {
		href, err := url.Parse(htmlquery.SelectAttr(a, "href"))
		if err != nil {
			continue
		}
		q := href.Query()
		from := strings.ToUpper(q.Get("from"))
		to := strings.ToUpper(q.Get("to"))
		if from == "" || to == "" {
			continue
		}

		text := strings.ReplaceAll(strings.TrimSpace(htmlquery.InnerText(a)), ",", "")
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			continue
		}
		rates[[2]string{from, to}] = v
	}
	return rates, nil
}

func (s *currencyService) logf(format string, v ...interface{}) {
	if s.opts.logger != nil {
		s.opts.logger.Logf(format, v...)
	}
}

const DefaultBaseURL = "https://www.x-rates.com"

var defaultOptions = options{
	baseURL:     DefaultBaseURL,
	rateLimiter: rate.NewLimiter(rate.Every(1*time.Second), 1),
	userAgent:   httprate.DefaultUserAgent,
	timeout:     0,
	logger:      nil,
}

type options struct {
	baseURL     string
	rateLimiter *rate.Limiter
	userAgent   string
	timeout     time.Duration
	logger      logger.Logger
}

type Option func(o options) options

func BaseURL(v string) Option {
	return func(o options) options {
		o.baseURL = strings.TrimRight(v, "/")
		return o
	}
}

func RateLimiter(l *rate.Limiter) Option {
	return func(o options) options {
		o.rateLimiter = l
		return o
	}
}

func Timeout(d time.Duration) Option {
	return func(o options) options {
		o.timeout = d
		return o
	}
}

func Logger(v logger.Logger) Option {
	return func(o options) options {
		o.logger = v
		return o
	}
}
