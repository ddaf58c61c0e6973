package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"szakszon.com/divratio"
	"szakszon.com/divratio/httprate"
	"szakszon.com/divratio/logger"
)

type options struct {
	baseURL     string
	client      httprate.Doer
	timeout     time.Duration
	rateLimiter *rate.Limiter
	userAgent   string
	adjusted    bool
	logger      logger.Logger
}

type Option func(o options) options

func BaseURL(v string) Option {
	return func(o options) options {
		o.baseURL = strings.TrimRight(v, "/")
		return o
	}
}

// Client replaces the HTTP transport, e.g. with a BrowserClient.
func Client(v httprate.Doer) Option {
	return func(o options) options {
		o.client = v
		return o
	}
}

func Timeout(d time.Duration) Option {
	return func(o options) options {
		o.timeout = d
		return o
	}
}

func RateLimiter(l *rate.Limiter) Option {
	return func(o options) options {
		o.rateLimiter = l
		return o
	}
}

func UserAgent(v string) Option {
	return func(o options) options {
		o.userAgent = v
		return o
	}
}

// AdjustedClose uses the dividend and split adjusted close instead of the
// traded close, falling back to the traded one where it is missing.
func AdjustedClose(v bool) Option {
	return func(o options) options {
		o.adjusted = v
		return o
	}
}

func Logger(v logger.Logger) Option {
	return func(o options) options {
		o.logger = v
		return o
	}
}

const DefaultBaseURL = "https://query1.finance.yahoo.com"

var defaultOptions = options{
	baseURL:     DefaultBaseURL,
	timeout:     0,
	rateLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	userAgent:   httprate.DefaultUserAgent,
	logger:      nil,
}

func NewHistoryService(os ...Option) divratio.HistoryService {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	var client httprate.Doer = opts.client
	if client == nil {
		client = httprate.NewClient(
			opts.timeout,
			opts.rateLimiter,
			opts.userAgent,
		)
	}

	return &historyService{
		client: client,
		opts:   opts,
	}
}

type historyService struct {
	client httprate.Doer
	opts   options
}

func (s *historyService) chartURL(symbol, period string) string {
	return s.opts.baseURL +
		"/v8/finance/chart/" + url.PathEscape(strings.ToUpper(symbol)) +
		"?range=" + url.QueryEscape(period) +
		"&interval=1d" +
		"&events=div"
}

func (s *historyService) Fetch(
	ctx context.Context,
	in *divratio.HistoryFetchInput,
) (*divratio.HistoryFetchOutput, error) {
	period := in.Period
	if period == "" {
		period = divratio.DefaultPeriod
	}

	u := s.chartURL(in.Symbol, period)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	s.logf("%v: %v %v", in.Symbol, resp.StatusCode, u)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		// Yahoo answers unknown symbols with 404 and a chart error body
		if resp.StatusCode == http.StatusNotFound {
			return nil, divratio.ErrSymbolNotFound
		}
		return nil, &divratio.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        u,
		}
	}

	return s.parseChart(body)
}

func (s *historyService) parseChart(b []byte) (*divratio.HistoryFetchOutput, error) {
	var v chartResponse
	err := json.Unmarshal(b, &v)
	if err != nil {
		return nil, fmt.Errorf("%w: decode chart: %v",
			divratio.ErrMalformedResponse, err)
	}

	if v.Chart.Error != nil {
		if v.Chart.Error.Code == "Not Found" {
			return nil, divratio.ErrSymbolNotFound
		}
		return nil, fmt.Errorf("chart error: %v: %v",
			v.Chart.Error.Code, v.Chart.Error.Description)
	}

	if len(v.Chart.Result) == 0 {
		return nil, divratio.ErrSymbolNotFound
	}
	res := v.Chart.Result[0]

	out := &divratio.HistoryFetchOutput{
		Bars:     []*divratio.Bar{},
		Unpriced: []*divratio.DividendEvent{},
	}
	if len(res.Timestamp) == 0 {
		return out, nil
	}
	if len(res.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: no quote indicators",
			divratio.ErrMalformedResponse)
	}
	q := res.Indicators.Quote[0]

	bars := make([]*divratio.Bar, 0, len(res.Timestamp))
	index := make(map[string]*divratio.Bar, len(res.Timestamp))

	var adj []*float64
	if s.opts.adjusted && len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}

	for i, ts := range res.Timestamp {
		close := at(q.Close, i)
		if close == nil {
			continue
		}
		if v := at(adj, i); v != nil {
			close = v
		}

		bar := &divratio.Bar{
			Date:     localDate(ts, res.Meta.GMTOffset),
			Open:     value(at(q.Open, i)),
			High:     value(at(q.High, i)),
			Low:      value(at(q.Low, i)),
			Close:    *close,
			Volume:   value(at(q.Volume, i)),
			Currency: res.Meta.Currency,
		}

		key := bar.Date.Format(divratio.DateFormat)
		if prev, ok := index[key]; ok {
			// intraday duplicate of the last bar, keep the latest
			*prev = *bar
			continue
		}
		index[key] = bar
		bars = append(bars, bar)
	}

	for _, d := range res.Events.Dividends {
		date := localDate(d.Date, res.Meta.GMTOffset)
		bar, ok := index[date.Format(divratio.DateFormat)]
		if !ok {
			s.logf("%v: dividend %v on %v without a price bar",
				res.Meta.Symbol, d.Amount, date.Format(divratio.DateFormat))
			out.Unpriced = append(out.Unpriced, &divratio.DividendEvent{
				Date:     date,
				Amount:   d.Amount,
				Currency: res.Meta.Currency,
			})
			continue
		}
		bar.Dividend += d.Amount
	}

	sortBarsAsc(bars)
	sort.SliceStable(out.Unpriced, func(i, j int) bool {
		return out.Unpriced[i].Date.Before(out.Unpriced[j].Date)
	})
	out.Bars = bars
	return out, nil
}

func (s *historyService) logf(format string, v ...interface{}) {
	if s.opts.logger != nil {
		s.opts.logger.Logf(format, v...)
	}
}

func at(a []*float64, i int) *float64 {
	if i < len(a) {
		return a[i]
	}
	return nil
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// localDate returns the exchange-local calendar date of a unix timestamp.
func localDate(ts int64, gmtOffset int64) time.Time {
	t := time.Unix(ts+gmtOffset, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortBarsAsc(a []*divratio.Bar) {
	sort.SliceStable(a, func(i, j int) bool {
		return a[i].Date.Before(a[j].Date)
	})
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta struct {
		Currency  string `json:"currency"`
		Symbol    string `json:"symbol"`
		GMTOffset int64  `json:"gmtoffset"`
	} `json:"meta"`
	Timestamp []int64 `json:"timestamp"`
	Events    struct {
		Dividends map[string]dividend `json:"dividends"`
	} `json:"events"`
	Indicators struct {
		Quote    []quote    `json:"quote"`
		AdjClose []adjClose `json:"adjclose"`
	} `json:"indicators"`
}

type quote struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*float64 `json:"volume"`
}

type adjClose struct {
	AdjClose []*float64 `json:"adjclose"`
}

type dividend struct {
	Amount float64 `json:"amount"`
	Date   int64   `json:"date"`
}
