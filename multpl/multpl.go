package multpl

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
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

// NewBenchmarkService returns the S&P 500 dividend yield scraped from
// multpl.com. The first successful scrape is kept for the process lifetime.
func NewBenchmarkService(os ...Option) divratio.BenchmarkService {
	opts := defaultOptions
	for _, o := range os {
		opts = o(opts)
	}

	return &benchmarkService{
		mu: &sync.Mutex{},
		client: httprate.NewClient(
			opts.timeout,
			opts.rateLimiter,
			opts.userAgent,
		),
		opts: opts,
	}
}

type benchmarkService struct {
	mu        *sync.Mutex
	client    *httprate.RLClient
	opts      options
	benchmark divratio.Benchmark
}

func (s *benchmarkService) DividendYield(
	ctx context.Context,
	in *divratio.BenchmarkDividendYieldInput,
) (*divratio.BenchmarkDividendYieldOutput, error) {
	s.mu.Lock()
	b := s.benchmark
	s.mu.Unlock()

	if b == (divratio.Benchmark{}) {
		v, err := s.dividendYield(ctx)
		if err != nil {
			return nil, err
		}
		b = *v

		s.mu.Lock()
		s.benchmark = b
		s.mu.Unlock()
	}

	out := &divratio.BenchmarkDividendYieldOutput{
		Benchmark: b,
	}
	return out, nil
}

func (s *benchmarkService) dividendYield(
	ctx context.Context,
) (*divratio.Benchmark, error) {
	u := s.opts.baseURL + "/s-p-500-dividend-yield"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	s.logf("%v %v", resp.StatusCode, u)

	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		return nil, &divratio.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        u,
		}
	}

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", divratio.ErrMalformedResponse, err)
	}

	current := htmlquery.FindOne(doc, `//div[@id="current"]`)
	if current == nil {
		return nil, fmt.Errorf("%w: no current yield",
			divratio.ErrMalformedResponse)
	}
	yield, err := parseYield(htmlquery.InnerText(current))
	if err != nil {
		return nil, err
	}

	var timestamp string
	if n := htmlquery.FindOne(doc, `//*[@id="timestamp"]`); n != nil {
		timestamp = strings.Join(strings.Fields(htmlquery.InnerText(n)), " ")
	}

	return &divratio.Benchmark{
		Name:      "S&P 500",
		Yield:     yield,
		Timestamp: timestamp,
	}, nil
}

func parseYield(s string) (float64, error) {
	matches := yieldRE.FindStringSubmatch(s)
	if len(matches) < 2 {
		return 0, fmt.Errorf("%w: no yield in %q",
			divratio.ErrMalformedResponse, strings.TrimSpace(s))
	}
	v := strings.ReplaceAll(matches[1], ",", ".")
	return strconv.ParseFloat(v, 64)
}

var yieldRE = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*%`)

func (s *benchmarkService) logf(format string, v ...interface{}) {
	if s.opts.logger != nil {
		s.opts.logger.Logf(format, v...)
	}
}

const DefaultBaseURL = "https://www.multpl.com"

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

func Log(l logger.Logger) Option {
	return func(o options) options {
		o.logger = l
		return o
	}
}
