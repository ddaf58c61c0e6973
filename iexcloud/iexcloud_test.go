package iexcloud

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"szakszon.com/divratio"
)

var testNow = time.Date(2023, time.April, 1, 12, 0, 0, 0, time.UTC)

// 1678406400000 = 2023-03-10, 1678665600000 = 2023-03-13
const pricesJSON = `[
  {"date": 1678665600000, "symbol": "KO", "uClose": 61.2, "uHigh": 61.7, "uLow": 60.6, "uOpen": 61.0, "uVolume": 1300000},
  {"date": 1678406400000, "symbol": "KO", "uClose": 60.5, "uHigh": 60.9, "uLow": 59.8, "uOpen": 60.1, "uVolume": 1200000}
]`

const dividendsJSON = `[
  {"exDate": "2023-06-14", "amount": 0.46, "currency": "USD", "flag": "Cash", "frequency": "quarterly", "refid": 3, "symbol": "KO"},
  {"exDate": "2023-03-10", "amount": 0.46, "currency": "USD", "flag": "Cash", "frequency": "quarterly", "refid": 2, "symbol": "KO"},
  {"exDate": "2023-03-10", "amount": 0.46, "currency": "USD", "flag": "Cash", "frequency": "quarterly", "refid": 2, "symbol": "KO"},
  {"exDate": "2023-03-13", "amount": 0.05, "currency": "USD", "flag": "Stock", "frequency": "irregular", "refid": 4, "symbol": "KO"},
  {"exDate": "2023-03-11", "amount": 0.10, "currency": "USD", "flag": "Cash", "frequency": "irregular", "refid": 5, "symbol": "KO"}
]`

func newTestIEXCloud(t *testing.T, h http.HandlerFunc) *IEXCloud {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewIEXCloud(
		BaseURL(srv.URL),
		Token("secret"),
		RateLimiter(nil),
		Timeout(time.Second),
		Clock(func() time.Time { return testNow }),
	)
}

func TestHistoryServiceFetch(t *testing.T) {
	var paths []string
	c := newTestIEXCloud(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?from="+r.URL.Query().Get("from"))
		switch {
		case strings.Contains(r.URL.Path, "HISTORICAL_PRICES"):
			io.WriteString(w, pricesJSON)
		case strings.Contains(r.URL.Path, "DIVIDENDS"):
			io.WriteString(w, dividendsJSON)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	out, err := c.NewHistoryService().Fetch(
		context.Background(),
		&divratio.HistoryFetchInput{Symbol: "KO"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/time-series/HISTORICAL_PRICES/ko?from=2018-04-01",
		"/time-series/DIVIDENDS/ko?from=2018-04-01",
	}, paths)

	require.Len(t, out.Bars, 2)
	assert.Equal(t, "2023-03-10", out.Bars[0].Date.Format(divratio.DateFormat))
	assert.Equal(t, 60.5, out.Bars[0].Close)
	assert.Equal(t, 0.46, out.Bars[0].Dividend)
	assert.Equal(t, "USD", out.Bars[0].Currency)
	assert.Empty(t, out.Bars[0].DividendCurrency)

	assert.Equal(t, "2023-03-13", out.Bars[1].Date.Format(divratio.DateFormat))
	assert.Equal(t, 0.0, out.Bars[1].Dividend)

	// 2023-03-11 was a Saturday
	require.Len(t, out.Unpriced, 1)
	assert.Equal(t, "2023-03-11", out.Unpriced[0].Date.Format(divratio.DateFormat))
	assert.Equal(t, 0.10, out.Unpriced[0].Amount)
	assert.Equal(t, "USD", out.Unpriced[0].Currency)
}

func TestHistoryServiceForeignCurrencyDividend(t *testing.T) {
	c := newTestIEXCloud(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "HISTORICAL_PRICES") {
			io.WriteString(w, pricesJSON)
			return
		}
		io.WriteString(w, `[{"exDate": "2023-03-13", "amount": 0.9, "currency": "CAD", "flag": "Cash", "refid": 1}]`)
	})

	out, err := c.NewHistoryService().Fetch(
		context.Background(),
		&divratio.HistoryFetchInput{Symbol: "KO", Period: "1y"},
	)
	require.NoError(t, err)
	require.Len(t, out.Bars, 2)
	assert.Equal(t, 0.9, out.Bars[1].Dividend)
	assert.Equal(t, "CAD", out.Bars[1].DividendCurrency)
}

func TestHistoryServiceNotFound(t *testing.T) {
	c := newTestIEXCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.NewHistoryService().Fetch(
		context.Background(),
		&divratio.HistoryFetchInput{Symbol: "NOPE"},
	)
	assert.ErrorIs(t, err, divratio.ErrSymbolNotFound)
}

func TestHistoryServiceHTTPErrorRedactsToken(t *testing.T) {
	c := newTestIEXCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	_, err := c.NewHistoryService().Fetch(
		context.Background(),
		&divratio.HistoryFetchInput{Symbol: "KO"},
	)
	var herr *divratio.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusPaymentRequired, herr.StatusCode)
	assert.NotContains(t, herr.URL, "secret")
}

func TestHistoryServiceMalformed(t *testing.T) {
	c := newTestIEXCloud(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": "not an array"}`)
	})

	_, err := c.NewHistoryService().Fetch(
		context.Background(),
		&divratio.HistoryFetchInput{Symbol: "KO"},
	)
	assert.ErrorIs(t, err, divratio.ErrMalformedResponse)
}

func TestParseDividendsSkipsFutureDuplicateAndStock(t *testing.T) {
	divs, err := parseDividends(strings.NewReader(dividendsJSON), testNow)
	require.NoError(t, err)

	require.Len(t, divs, 2)
	assert.Equal(t, int64(2), divs[0].Refid)
	assert.Equal(t, int64(5), divs[1].Refid)
	assert.Equal(t, "2023-03-10: 0.46 (refid 2)", divs[0].String())
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t,
		"https://x/y?from=2020-01-01&token=REDACTED",
		redactToken("https://x/y?from=2020-01-01&token=abc"),
	)
	assert.Equal(t, "https://x/y", redactToken("https://x/y"))
}
