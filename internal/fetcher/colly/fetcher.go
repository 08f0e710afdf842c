// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
)

var errAbandoned = errors.New("colly fetch canceled")

// DefaultTimeout bounds a single request when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
}

// Limiter delays requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the HTTP transport (tests inject httpmock here).
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// WithLimiter throttles every request through l.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	limiter       Limiter
	baseCollector *colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	f := &Fetcher{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		f.transport = newHTTPTransport()
	}

	// Every book and chapter URL is fetched repeatedly across sweeps.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(f.transport)
	f.baseCollector = c
	return f
}

// rawResult is what the collector callbacks observed.
type rawResult struct {
	status      int
	contentType string
	body        []byte
	finalURL    string
	err         error
}

// Fetch executes a single HTTP GET using Colly and decodes the body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, classify(request.URL, 0, err)
		}
	}

	start := time.Now()
	var raw rawResult
	collector := f.buildCollector(&raw)
	err := f.runCollector(ctx, collector, request.URL)
	if errors.Is(err, errAbandoned) {
		// The visit goroutine still owns raw.
		metrics.ObserveFetch(request.URL, "0", 0)
		return crawler.FetchResponse{}, classify(request.URL, 0, err)
	}
	dur := time.Since(start)
	metrics.ObserveFetch(request.URL, strconv.Itoa(raw.status), len(raw.body))

	if err != nil || raw.err != nil || raw.status >= http.StatusBadRequest {
		if err == nil {
			err = raw.err
		}
		if err == nil {
			err = errors.New(http.StatusText(raw.status))
		}
		return crawler.FetchResponse{}, classify(request.URL, raw.status, err)
	}

	body, err := decode(raw.body, request.Encoding, raw.contentType)
	if err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchTransport, URL: request.URL, Err: err}
	}
	finalURL := raw.finalURL
	if finalURL == "" {
		finalURL = request.URL
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: raw.status,
		Body:       body,
		Duration:   dur,
	}, nil
}

func (f *Fetcher) buildCollector(raw *rawResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, raw)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, raw *rawResult) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		raw.status = r.StatusCode
		raw.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			raw.contentType = r.Headers.Get("Content-Type")
		}
		if r.Request != nil && r.Request.URL != nil {
			raw.finalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			raw.status = r.StatusCode
		}
		raw.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, value := range f.cfg.Headers {
		r.Headers.Set(key, value)
	}
}

// classify maps a failed visit onto the crawler's fetch error kinds.
func classify(url string, status int, err error) *crawler.FetchError {
	if status >= http.StatusBadRequest {
		return &crawler.FetchError{Kind: crawler.FetchHTTP, URL: url, StatusCode: status, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url, Err: err}
	}
	return &crawler.FetchError{Kind: crawler.FetchTransport, URL: url, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
