// Package chromedp renders listing pages in headless Chrome so links added by
// client-side scripts are visible, and follows pagination by clicking.
package chromedp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultNextSelector      = "a.pagination-next"
)

// Config tunes rendering.
type Config struct {
	NavigationTimeout time.Duration
	NextSelector      string
}

// runner executes chromedp actions; chromedp.Run outside tests.
type runner func(ctx context.Context, actions ...chromedp.Action) error

// Renderer implements crawler.Renderer on a shared browser allocator.
type Renderer struct {
	allocator context.Context
	cfg       Config
	logger    *zap.Logger
	exec      runner
}

var _ crawler.Renderer = (*Renderer)(nil)

// New builds a Renderer on an allocator from headless.NewAllocator.
func New(allocator context.Context, cfg Config, logger *zap.Logger) (*Renderer, error) {
	if allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.NextSelector == "" {
		cfg.NextSelector = defaultNextSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{allocator: allocator, cfg: cfg, logger: logger, exec: chromedp.Run}, nil
}

// Open starts a browser tab and navigates it to pageURL.
func (r *Renderer) Open(ctx context.Context, pageURL string) (crawler.RenderSession, error) {
	tab, cancel := chromedp.NewContext(r.allocator)
	// The first Run allocates the browser and binds it to its context, so it
	// must not carry the per-operation timeout.
	if err := r.exec(tab); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	s := &session{renderer: r, tab: tab, cancel: cancel}
	err := s.run(ctx, chromedp.Navigate(pageURL), chromedp.WaitReady("body", chromedp.ByQuery))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", pageURL, err)
	}
	return s, nil
}

type session struct {
	renderer *Renderer
	tab      context.Context
	cancel   context.CancelFunc
}

// run executes actions in the tab, bounded by the navigation timeout and by ctx.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.tab, s.renderer.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := s.renderer.exec(opCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *session) Links(ctx context.Context, hrefFilter string) ([]string, error) {
	var hrefs []string
	if err := s.run(ctx, chromedp.Evaluate(linksScript(hrefFilter), &hrefs)); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return hrefs, nil
}

func (s *session) HasNextPage(ctx context.Context) (bool, error) {
	var present bool
	if err := s.run(ctx, chromedp.Evaluate(existsScript(s.renderer.cfg.NextSelector), &present)); err != nil {
		return false, fmt.Errorf("probe next page: %w", err)
	}
	return present, nil
}

// NextPage clicks the next-page control and waits for the resulting navigation.
func (s *session) NextPage(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(s.tab, s.renderer.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(opCtx, chromedp.Click(s.renderer.cfg.NextSelector, chromedp.ByQuery, chromedp.NodeVisible))
	if err != nil {
		return fmt.Errorf("follow next page: %w", err)
	}
	if resp != nil {
		s.renderer.logger.Debug("next page loaded", zap.String("url", resp.URL), zap.Int64("status", resp.Status))
	}
	if err := chromedp.Run(opCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait next page: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.cancel()
	return nil
}

func linksScript(hrefFilter string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll("a[href]"))
	.map(a => a.getAttribute("href"))
	.filter(h => h.includes(%s))`, jsString(hrefFilter))
}

func existsScript(selector string) string {
	return fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
