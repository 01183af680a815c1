// Package page fetches HTML pages and extracts their visible text. A static
// colly probe runs first and is promoted to headless Chrome when the probe
// looks client-rendered.
package page

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// skippedElements hold no visible text.
var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"template": {},
	"head":     {},
}

// Fetcher implements crawler.TextFetcher for HTML pages.
type Fetcher struct {
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector crawler.HeadlessDetector
	limiter  crawler.RateLimiter
	logger   *zap.Logger
}

var _ crawler.TextFetcher = (*Fetcher)(nil)

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHeadless enables promotion to a headless fetcher when detector fires.
func WithHeadless(headless crawler.Fetcher, detector crawler.HeadlessDetector) Option {
	return func(f *Fetcher) {
		f.headless = headless
		f.detector = detector
	}
}

// WithRateLimiter paces fetches per domain.
func WithRateLimiter(limiter crawler.RateLimiter) Option {
	return func(f *Fetcher) {
		f.limiter = limiter
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New builds a page fetcher around the static probe.
func New(probe crawler.Fetcher, opts ...Option) (*Fetcher, error) {
	if probe == nil {
		return nil, fmt.Errorf("probe fetcher is required")
	}
	f := &Fetcher{probe: probe, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FetchText fetches url and returns its visible text, one text node per line.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return "", &crawler.FetchError{URL: url, Err: err}
		}
	}
	req := crawler.FetchRequest{URL: url}
	resp, err := f.probe.Fetch(ctx, req)
	if err != nil {
		return "", asFetchError(url, err)
	}
	if resp.RobotsStatus == crawler.RobotsStatusIndeterminate {
		f.logger.Warn("robots.txt unreadable, fetched anyway",
			zap.String("url", url), zap.String("reason", resp.RobotsReason))
	}
	if f.headless != nil && f.detector != nil && f.detector.ShouldPromote(resp) {
		f.logger.Debug("promoting to headless", zap.String("url", url))
		req.UseHeadless = true
		resp, err = f.headless.Fetch(ctx, req)
		if err != nil {
			return "", asFetchError(url, err)
		}
	}
	text, err := ExtractText(resp.Body)
	if err != nil {
		return "", &crawler.FetchError{URL: url, Err: err}
	}
	return text, nil
}

// ExtractText returns the visible text of an HTML document. Each non-blank
// text node becomes one trimmed line; script, style, template, and head
// contents are dropped.
func ExtractText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var lines []string
	collectText(doc.Selection, &lines)
	return strings.Join(lines, "\n"), nil
}

func collectText(sel *goquery.Selection, lines *[]string) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch {
		case name == "#text":
			if text := strings.TrimSpace(child.Text()); text != "" {
				*lines = append(*lines, text)
			}
		case strings.HasPrefix(name, "#"):
			// Comments and doctypes.
		default:
			if _, skip := skippedElements[name]; skip {
				return
			}
			collectText(child, lines)
		}
	})
}

func asFetchError(url string, err error) error {
	if crawler.IsFetchFailure(err) {
		return err
	}
	return &crawler.FetchError{URL: url, Err: err}
}
