// Package headless fetches pages that need JavaScript through headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
)

// DefaultNavigationTimeout bounds one page load when Config leaves it unset.
const DefaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Headers           map[string]string
	// Settle is how long to wait after body is ready for scripts to finish.
	Settle time.Duration
}

// Limiter delays requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	limiter     Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher backed by chromedp. limiter may be nil.
func NewChromedp(cfg Config, limiter Limiter) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, classify(request.URL, 0, err)
		}
	}
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, classify(request.URL, 0, fmt.Errorf("headless slot wait canceled: %w", err))
		}
		defer f.slots.Release(1)
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request.URL)
	status, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if err != nil {
		metrics.ObserveFetch(request.URL, "0", 0)
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return crawler.FetchResponse{}, classify(request.URL, 0, err)
	}
	metrics.ObserveFetch(request.URL, strconv.Itoa(status), len(html))
	if status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, classify(request.URL, status, errors.New(http.StatusText(status)))
	}

	return crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Body:       html,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func classify(url string, status int, err error) *crawler.FetchError {
	switch {
	case status >= http.StatusBadRequest:
		return &crawler.FetchError{Kind: crawler.FetchHTTP, URL: url, StatusCode: status, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &crawler.FetchError{Kind: crawler.FetchTimeout, URL: url, Err: err}
	default:
		return &crawler.FetchError{Kind: crawler.FetchTransport, URL: url, Err: err}
	}
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
