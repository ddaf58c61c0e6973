package iexcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"szakszon.com/divratio"
	"szakszon.com/divratio/httprate"
	"szakszon.com/divratio/logger"
)

type IEXCloud struct {
	opts       options
	httpClient *httprate.RLClient
}

func NewIEXCloud(os ...Option) *IEXCloud {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	httpClient := httprate.NewClient(
		opts.timeout,
		opts.rateLimiter,
		"",
	)

	return &IEXCloud{
		opts:       opts,
		httpClient: httpClient,
	}
}

func (c *IEXCloud) dividendsURL(
	symbol string,
	from time.Time,
) string {
	symbol = strings.ToLower(symbol)
	return c.opts.baseURL +
		"/time-series" +
		"/DIVIDENDS/" + symbol +
		"?from=" + from.Format(divratio.DateFormat) +
		"&sort=DESC" +
		"&token=" + c.opts.token
}

func (c *IEXCloud) pricesURL(
	symbol string,
	from time.Time,
) string {
	symbol = strings.ToLower(symbol)
	return c.opts.baseURL +
		"/time-series" +
		"/HISTORICAL_PRICES/" + symbol +
		"?from=" + from.Format(divratio.DateFormat) +
		"&sort=DESC" +
		"&token=" + c.opts.token
}

func (c *IEXCloud) httpGet(
	ctx context.Context,
	u string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *IEXCloud) checkStatus(resp *http.Response, u string) error {
	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		if resp.StatusCode == http.StatusNotFound {
			return divratio.ErrSymbolNotFound
		}
		return &divratio.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        redactToken(u),
		}
	}
	return nil
}

func (c *IEXCloud) NewHistoryService() divratio.HistoryService {
	return &historyService{
		IEXCloud: c,
	}
}

// historyService joins the price and the dividend time series into bars.
type historyService struct {
	*IEXCloud
}

func (s *historyService) Fetch(
	ctx context.Context,
	in *divratio.HistoryFetchInput,
) (*divratio.HistoryFetchOutput, error) {
	period := in.Period
	if period == "" {
		period = divratio.DefaultPeriod
	}
	from, err := divratio.PeriodStart(s.opts.now(), period)
	if err != nil {
		return nil, err
	}

	prices, err := s.fetchPrices(ctx, in.Symbol, from)
	if err != nil {
		return nil, err
	}
	dividends, err := s.fetchDividends(ctx, in.Symbol, from)
	if err != nil {
		return nil, err
	}

	bars := make([]*divratio.Bar, 0, len(prices))
	index := make(map[string]*divratio.Bar, len(prices))
	for _, v := range prices {
		bar := &divratio.Bar{
			Date:     time.Time(v.Date),
			Close:    v.UClose,
			High:     v.UHigh,
			Low:      v.ULow,
			Open:     v.UOpen,
			Volume:   v.UVolume,
			Currency: s.opts.currency,
		}
		key := bar.Date.Format(divratio.DateFormat)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = bar
		bars = append(bars, bar)
	}

	unpriced := make([]*divratio.DividendEvent, 0)
	for _, v := range dividends {
		key := time.Time(v.ExDate).Format(divratio.DateFormat)
		bar, ok := index[key]
		if !ok {
			s.logf("%v: dividend %v without a price bar", in.Symbol, v)
			unpriced = append(unpriced, &divratio.DividendEvent{
				Date:     time.Time(v.ExDate),
				Amount:   v.Amount,
				Currency: v.Currency,
			})
			continue
		}
		bar.Dividend += v.Amount
		if v.Currency != "" && v.Currency != bar.Currency {
			bar.DividendCurrency = v.Currency
		}
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	return &divratio.HistoryFetchOutput{
		Bars:     bars,
		Unpriced: unpriced,
	}, nil
}

func (s *historyService) fetchPrices(
	ctx context.Context,
	symbol string,
	from time.Time,
) ([]*price, error) {
	u := s.pricesURL(symbol, from)
	resp, err := s.httpGet(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	s.logf("%v: %v %v", symbol, resp.StatusCode, redactToken(u))

	err = s.checkStatus(resp, u)
	if err != nil {
		return nil, err
	}

	prices, err := parsePrices(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse prices: %v",
			divratio.ErrMalformedResponse, err)
	}
	return prices, nil
}

func parsePrices(r io.Reader) ([]*price, error) {
	prices := make([]*price, 0)

	dec := json.NewDecoder(r)
	// read open bracket
	_, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("open bracket: %s", err)
	}

	// while the array contains values
	for dec.More() {
		var v price
		err := dec.Decode(&v)
		if err != nil {
			return nil, fmt.Errorf("decode: %s", err)
		}
		prices = append(prices, &v)
	}

	// read closing bracket
	_, err = dec.Token()
	if err != nil {
		return nil, fmt.Errorf("closing bracket: %s", err)
	}

	return prices, nil
}

type price struct {
	Date    timeUnix `json:"date"`
	Symbol  string   `json:"symbol"`
	UClose  float64  `json:"uClose"`
	UHigh   float64  `json:"uHigh"`
	ULow    float64  `json:"uLow"`
	UOpen   float64  `json:"uOpen"`
	UVolume float64  `json:"uVolume"`
}

func (s *historyService) fetchDividends(
	ctx context.Context,
	symbol string,
	from time.Time,
) ([]*dividend, error) {
	u := s.dividendsURL(symbol, from)
	resp, err := s.httpGet(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	s.logf("%v: %v %v", symbol, resp.StatusCode, redactToken(u))

	err = s.checkStatus(resp, u)
	if err != nil {
		return nil, err
	}

	dividends, err := parseDividends(resp.Body, s.opts.now())
	if err != nil {
		return nil, fmt.Errorf("%w: parse dividends: %v",
			divratio.ErrMalformedResponse, err)
	}
	return dividends, nil
}

func parseDividends(r io.Reader, now time.Time) ([]*dividend, error) {
	dividends := make([]*dividend, 0)

	dec := json.NewDecoder(r)
	// read open bracket
	_, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("open bracket: %s", err)
	}

	processed := make(map[int64]struct{})

	// while the array contains values
	for dec.More() {
		var v dividend
		err := dec.Decode(&v)
		if err != nil {
			return nil, fmt.Errorf("decode: %s", err)
		}

		// skip future dividend dates
		if v.ExDate.After(now.UTC()) {
			continue
		}

		// stock dividends carry no cash amount to compare with a price
		if !v.Cash() {
			continue
		}

		if _, ok := processed[v.Refid]; !ok {
			dividends = append(dividends, &v)
			processed[v.Refid] = struct{}{}
		}
	}

	// read closing bracket
	_, err = dec.Token()
	if err != nil {
		return nil, fmt.Errorf("closing bracket: %s", err)
	}

	return dividends, nil
}

type dividend struct {
	ExDate      date    `json:"exDate"`
	PaymentDate date    `json:"paymentDate"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Flag        string  `json:"flag"`
	Frequency   string  `json:"frequency"`
	Refid       int64   `json:"refid"`
	Symbol      string  `json:"symbol"`
}

func (d *dividend) Cash() bool {
	return d.Flag == "" || d.Flag == "Cash" || d.Flag == "Cash&Stock"
}

func (d *dividend) String() string {
	return fmt.Sprintf("%v: %v (refid %v)",
		d.ExDate,
		d.Amount,
		d.Refid,
	)
}

func (c *IEXCloud) logf(format string, v ...interface{}) {
	if c.opts.logger != nil {
		c.opts.logger.Logf(format, v...)
	}
}

func redactToken(u string) string {
	i := strings.Index(u, "token=")
	if i == -1 {
		return u
	}
	return u[:i] + "token=REDACTED"
}

type options struct {
	baseURL     string
	token       string
	currency    string
	rateLimiter *rate.Limiter
	timeout     time.Duration
	logger      logger.Logger
	clock       func() time.Time
}

func (o options) now() time.Time {
	if o.clock != nil {
		return o.clock()
	}
	return time.Now()
}

type Option func(o options) options

func BaseURL(v string) Option {
	return func(o options) options {
		o.baseURL = strings.TrimRight(v, "/")
		return o
	}
}

func Token(v string) Option {
	return func(o options) options {
		o.token = v
		return o
	}
}

// Currency is the currency prices are quoted in.
func Currency(v string) Option {
	return func(o options) options {
		o.currency = v
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

func Log(l logger.Logger) Option {
	return func(o options) options {
		o.logger = l
		return o
	}
}

func Clock(f func() time.Time) Option {
	return func(o options) options {
		o.clock = f
		return o
	}
}

const DefaultBaseURL = "https://cloud.iexapis.com/stable"

var defaultOptions = options{
	baseURL:     DefaultBaseURL,
	currency:    "USD",
	rateLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	timeout:     0,
	logger:      nil,
}

type date time.Time

func (t date) After(o time.Time) bool {
	return time.Time(t).After(o)
}

func (t date) String() string {
	st := time.Time(t)
	if st.IsZero() {
		return "0000-00-00"
	}
	return st.Format(divratio.DateFormat)
}

func (t *date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "0000-00-00" || s == "null" || s == "" {
		*t = date(time.Time{})
		return nil
	}

	st, err := time.Parse(divratio.DateFormat, s)
	if err != nil {
		return err
	}
	*t = date(st)
	return nil
}

type timeUnix time.Time

// UnmarshalJSON reads epoch milliseconds as a UTC calendar date.
func (t *timeUnix) UnmarshalJSON(b []byte) error {
	var i int64
	if err := json.Unmarshal(b, &i); err != nil {
		return err
	}
	u := time.Unix(i/1000, 0).UTC()
	*t = timeUnix(time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC))
	return nil
}
