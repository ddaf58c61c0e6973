package multpl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"szakszon.com/divratio"
)

const yieldPage = `<html><body>
<div id="current">
  <b>Current <span>S&amp;P 500 Dividend Yield</span>:</b>
  1.53%
  <span class="neg">-0.01 (-0.65%)</span>
  <div id="timestamp">
    4:00 PM EDT, Fri
    Apr 14
  </div>
</div>
</body></html>`

func TestDividendYieldMemoised(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "/s-p-500-dividend-yield", r.URL.Path)
			io.WriteString(w, yieldPage)
		},
	))
	defer srv.Close()

	s := NewBenchmarkService(BaseURL(srv.URL), RateLimiter(nil))
	for i := 0; i < 2; i++ {
		out, err := s.DividendYield(
			context.Background(),
			&divratio.BenchmarkDividendYieldInput{},
		)
		require.NoError(t, err)
		assert.Equal(t, "S&P 500", out.Benchmark.Name)
		assert.Equal(t, 1.53, out.Benchmark.Yield)
		assert.Equal(t, "4:00 PM EDT, Fri Apr 14", out.Benchmark.Timestamp)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDividendYieldErrorNotMemoised(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	))
	defer srv.Close()

	s := NewBenchmarkService(BaseURL(srv.URL), RateLimiter(nil))
	for i := 0; i < 2; i++ {
		_, err := s.DividendYield(
			context.Background(),
			&divratio.BenchmarkDividendYieldInput{},
		)
		var herr *divratio.HTTPError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDividendYieldConcurrentCallersDoNotQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			io.WriteString(w, yieldPage)
		},
	))
	defer srv.Close()

	s := NewBenchmarkService(BaseURL(srv.URL), RateLimiter(nil))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DividendYield(
				context.Background(),
				&divratio.BenchmarkDividendYieldInput{},
			)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 550*time.Millisecond)
}

func TestDividendYieldMissingBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html><body>maintenance</body></html>")
		},
	))
	defer srv.Close()

	s := NewBenchmarkService(BaseURL(srv.URL), RateLimiter(nil))
	_, err := s.DividendYield(
		context.Background(),
		&divratio.BenchmarkDividendYieldInput{},
	)
	assert.ErrorIs(t, err, divratio.ErrMalformedResponse)
}

func TestParseYield(t *testing.T) {
	v, err := parseYield("Current Yield: 1,75 %")
	require.NoError(t, err)
	assert.Equal(t, 1.75, v)

	_, err = parseYield("n/a")
	assert.ErrorIs(t, err, divratio.ErrMalformedResponse)
}
