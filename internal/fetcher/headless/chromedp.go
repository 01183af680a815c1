// Package headless contains fetchers that execute JavaScript via browsers.
// The page fetch pipeline promotes a static probe to this fetcher when the
// probe looks like a client-rendered application.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so late scripts can render.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg       Config
	tabs      *semaphore.Weighted
	allocator context.Context
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher on an allocator from NewAllocator.
// The caller owns the allocator and cancels it on shutdown.
func NewChromedp(allocator context.Context, cfg Config) (*Fetcher, error) {
	switch {
	case allocator == nil:
		return nil, errors.New("allocator is required")
	case cfg.MaxParallel < 0:
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	f := &Fetcher{cfg: cfg, allocator: allocator}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Fetch opens a tab, waits for the page to settle and returns the rendered
// DOM. Status and headers come from the main document response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// The caller's cancellation closes the tab early.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: fmt.Errorf("chromedp run: %w", err)}
	}

	resp := doc.result(request.URL, location)
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL: request.URL,
			Err: fmt.Errorf("headless navigation returned status %d", resp.StatusCode),
		}
	}
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	resp.UsedHeadless = true
	return resp, nil
}

// prepare enables the network domain and applies the user agent and any
// request headers before navigation.
func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse records the last document response seen by a tab.
// Redirect hops are documents too, so the final one wins.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := httpHeaders(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.headers = headers
	d.url = e.Response.URL
}

// result builds the response metadata. Pages served from cache or
// about:blank report no document, so the status defaults to 200 and the URL
// falls back to the browser location and then the requested URL.
func (d *documentResponse) result(requested, location string) crawler.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := crawler.FetchResponse{StatusCode: d.status, Headers: d.headers.Clone(), URL: d.url}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for _, candidate := range []string{location, requested} {
		if resp.URL != "" {
			break
		}
		resp.URL = candidate
	}
	return resp
}

// httpHeaders converts CDP headers, whose values are usually strings but may
// arrive as lists, into an http.Header.
func httpHeaders(src network.Headers) http.Header {
	dst := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			// CDP folds repeated headers into one newline-separated value.
			for _, line := range strings.Split(v, "\n") {
				dst.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				dst.Add(key, fmt.Sprint(entry))
			}
		default:
			dst.Add(key, fmt.Sprint(v))
		}
	}
	return dst
}

// networkHeaders flattens h for Network.setExtraHTTPHeaders, which only
// accepts string values.
func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
