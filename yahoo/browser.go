package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"szakszon.com/divratio/logger"
)

type browserOptions struct {
	headless       bool
	userAgent      string
	consentTimeout time.Duration
	logger         logger.Logger
}

type BrowserOption func(o browserOptions) browserOptions

func Headless(v bool) BrowserOption {
	return func(o browserOptions) browserOptions {
		o.headless = v
		return o
	}
}

func BrowserUserAgent(v string) BrowserOption {
	return func(o browserOptions) browserOptions {
		o.userAgent = v
		return o
	}
}

func ConsentTimeout(d time.Duration) BrowserOption {
	return func(o browserOptions) browserOptions {
		o.consentTimeout = d
		return o
	}
}

func BrowserLogger(v logger.Logger) BrowserOption {
	return func(o browserOptions) browserOptions {
		o.logger = v
		return o
	}
}

var defaultBrowserOptions = browserOptions{
	headless:       true,
	consentTimeout: 5 * time.Second,
}

// BrowserClient loads GET requests in a headless Chrome and returns the
// rendered body text. It gets past the cookie consent page Yahoo shows to
// plain HTTP clients in some regions.
type BrowserClient struct {
	opts browserOptions
}

func NewBrowserClient(os ...BrowserOption) *BrowserClient {
	opts := defaultBrowserOptions
	for _, o := range os {
		opts = o(opts)
	}
	return &BrowserClient{
		opts: opts,
	}
}

func (c *BrowserClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, fmt.Errorf("browser client: unsupported method %v", req.Method)
	}

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.headless),
	)
	if c.opts.userAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(c.opts.userAgent))
	}

	actx, cancelAlloc := chromedp.NewExecAllocator(
		req.Context(),
		allocOpts...,
	)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(
		actx,
		chromedp.WithLogf(c.logf),
		chromedp.WithErrorf(c.logf),
	)
	defer cancel()

	headers := network.Headers{}
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	var body string
	err := chromedp.Run(ctx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(req.URL.String()),
		chromedp.ActionFunc(c.acceptConsent),
		chromedp.Text("body", &body, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}

	c.logf("browser: %v: %v bytes", req.URL.Redacted(), len(body))
	return textResponse(req, body), nil
}

// acceptConsent clicks the consent button when the consent form is shown
// and waits for the redirect back to the requested page.
func (c *BrowserClient) acceptConsent(ctx context.Context) error {
	var clicked bool
	err := chromedp.Evaluate(acceptConsentJS, &clicked).Do(ctx)
	if err != nil {
		return err
	}
	if !clicked {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, c.opts.consentTimeout)
	defer cancel()
	return chromedp.WaitNotPresent(
		"form.consent-form",
		chromedp.ByQuery,
	).Do(tctx)
}

func (c *BrowserClient) logf(format string, v ...interface{}) {
	if c.opts.logger != nil {
		c.opts.logger.Logf(format, v...)
	}
}

func textResponse(req *http.Request, body string) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

const acceptConsentJS = `
(function() {
    var btn = document.querySelector('form.consent-form button[name="agree"]') ||
        document.querySelector('form.consent-form button');
    if (!btn) {
        return false;
    }
    btn.click();
    return true;
})();
`
