// Package collyfetcher implements crawler.Fetcher using gocolly. It is the
// static probe shared by the page and PDF fetchers.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize truncates larger bodies. Zero keeps colly's 10 MiB default.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg    Config
	robots *robotsAwareTransport
	base   *colly.Collector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. One pooled transport and one robots.txt cache are
// shared by every fetch.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f := &Fetcher{cfg: cfg}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		f.robots = newRobotsAwareTransport(transport)
		transport = f.robots
	}
	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(transport)
	base.SetRequestTimeout(cfg.Timeout)
	// Refetching a known URL is the point of change detection.
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		base.MaxBodySize = cfg.MaxBodySize
	}
	f.base = base
	return f
}

// visit carries the state of one Fetch across colly callbacks.
type visit struct {
	request crawler.FetchRequest
	start   time.Time
	resp    crawler.FetchResponse
	err     error
}

// Fetch executes a single HTTP GET using Colly. Non-2xx statuses and
// robots.txt refusals are returned as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	v := &visit{request: request, start: time.Now()}
	collector := f.collector(ctx, v)
	if err := run(ctx, collector, v); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}
	if u, err := url.Parse(request.URL); err == nil {
		f.robots.apply(u.Host, &v.resp)
	}
	return v.resp, nil
}

// collector clones the base collector for one visit. Clones share the HTTP
// backend and robots.txt cache but carry their own callbacks.
func (f *Fetcher) collector(ctx context.Context, v *visit) *colly.Collector {
	c := f.base.Clone()
	c.Context = ctx
	v.hook(c)
	return c
}

func (v *visit) hook(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.request.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.resp = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			v.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		v.err = err
	})
}

func run(ctx context.Context, c *colly.Collector, v *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(v.request.URL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if v.err != nil {
			return fmt.Errorf("colly response failed: %w", v.err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
