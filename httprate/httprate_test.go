package httprate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRLClientSetsUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get("User-Agent")
		},
	))
	defer srv.Close()

	c := NewClient(time.Second, nil, "divratio-test")
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "divratio-test", ua)
}

func TestRLClientKeepsExplicitUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get("User-Agent")
		},
	))
	defer srv.Close()

	c := NewClient(time.Second, nil, "default")
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "explicit")

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "explicit", ua)
}

func TestRLClientLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {},
	))
	defer srv.Close()

	// the bucket is empty and refills once an hour
	l := rate.NewLimiter(rate.Every(time.Hour), 1)
	l.Allow()
	c := NewClient(time.Second, l, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	assert.Error(t, err)
}
