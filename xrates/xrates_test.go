package xrates

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"szakszon.com/divratio"
)

const ratesPage = `<table class="ratesTable">
<tr><td>US Dollar</td>
<td class='rtRates'><a href='https://www.x-rates.com/graph/?from=CAD&amp;to=USD'>0.829220</a></td>
<td class='rtRates'><a href='https://www.x-rates.com/graph/?from=USD&amp;to=CAD'>1.205952</a></td></tr>
</table>`

func TestConvert(t *testing.T) {
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/historical/", r.URL.Path)
			queries = append(queries, r.URL.Query())
			io.WriteString(w, ratesPage)
		},
	))
	defer srv.Close()

	s := NewCurrencyService(BaseURL(srv.URL), RateLimiter(nil))
	in := &divratio.CurrencyConvertInput{
		From:   "cad",
		To:     "USD",
		Amount: 2,
		Date:   time.Date(2011, time.May, 3, 0, 0, 0, 0, time.UTC),
	}
	out, err := s.Convert(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, queries, 1)
	assert.Equal(t, url.Values{
		"from":   {"CAD"},
		"amount": {"1"},
		"date":   {"2011-05-03"},
	}, queries[0])
	assert.Equal(t, 0.82922, out.Rate)
	assert.InDelta(t, 1.65844, out.Amount, 1e-9)

	// the rate of a day is fetched once
	in.Amount = 1
	out, err = s.Convert(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, queries, 1)
	assert.Equal(t, 0.82922, out.Amount)
}

func TestConvertInverseRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `<table><tr><td class='rtRates'>`+
				`<a href='https://www.x-rates.com/graph/?from=USD&amp;to=CAD'>1.25</a>`+
				`</td></tr></table>`)
		},
	))
	defer srv.Close()

	s := NewCurrencyService(BaseURL(srv.URL), RateLimiter(nil))
	out, err := s.Convert(context.Background(), &divratio.CurrencyConvertInput{
		From:   "CAD",
		To:     "USD",
		Amount: 1,
		Date:   time.Date(2023, time.March, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, out.Rate, 1e-9)
	assert.InDelta(t, 0.8, out.Amount, 1e-9)
}

func TestConvertSameCurrencyNoRequest(t *testing.T) {
	s := NewCurrencyService(BaseURL("http://127.0.0.1:0"), RateLimiter(nil))
	out, err := s.Convert(context.Background(), &divratio.CurrencyConvertInput{
		From:   "USD",
		To:     "usd",
		Amount: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, out.Amount)
	assert.Equal(t, 1.0, out.Rate)
}

func TestConvertNoRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html></html>")
		},
	))
	defer srv.Close()

	s := NewCurrencyService(BaseURL(srv.URL), RateLimiter(nil))
	_, err := s.Convert(context.Background(), &divratio.CurrencyConvertInput{
		From: "HUF",
		To:   "USD",
	})
	assert.ErrorIs(t, err, divratio.ErrMalformedResponse)
}
