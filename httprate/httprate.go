package httprate

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Doer is satisfied by *http.Client and by RLClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RLClient waits for the limiter before every request. A nil Ratelimiter
// means no limit.
type RLClient struct {
	Client      Doer
	Ratelimiter *rate.Limiter
	UserAgent   string
}

func NewClient(
	timeout time.Duration,
	limiter *rate.Limiter,
	userAgent string,
) *RLClient {
	return &RLClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Ratelimiter: limiter,
		UserAgent:   userAgent,
	}
}

func (c *RLClient) Do(req *http.Request) (*http.Response, error) {
	if c.Ratelimiter != nil {
		err := c.Ratelimiter.Wait(req.Context())
		if err != nil {
			return nil, err
		}
	}
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/90.0.4430.93 Safari/537.36 OPR/76.0.4017.123"
