// Package static lists links of server-rendered listing pages. Pages are
// downloaded through a crawler.Fetcher and parsed with goquery; following
// the next-page link is a plain GET of its href.
package static

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// DefaultNextSelector matches the pagination link of arXiv-style listings.
const DefaultNextSelector = "a.pagination-next"

// Config tunes the renderer.
type Config struct {
	NextSelector string
}

// Renderer implements crawler.Renderer without a browser.
type Renderer struct {
	fetcher      crawler.Fetcher
	nextSelector string
}

var _ crawler.Renderer = (*Renderer)(nil)

// New builds a Renderer that downloads pages through fetcher.
func New(fetcher crawler.Fetcher, cfg Config) (*Renderer, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	sel := cfg.NextSelector
	if sel == "" {
		sel = DefaultNextSelector
	}
	return &Renderer{fetcher: fetcher, nextSelector: sel}, nil
}

// Open downloads pageURL and parses it.
func (r *Renderer) Open(ctx context.Context, pageURL string) (crawler.RenderSession, error) {
	s := &session{renderer: r}
	if err := s.load(ctx, pageURL); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	renderer *Renderer
	url      string
	doc      *goquery.Document
}

func (s *session) load(ctx context.Context, pageURL string) error {
	resp, err := s.renderer.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
	if err != nil {
		return fmt.Errorf("load %s: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("parse %s: %w", pageURL, err)
	}
	s.url = resp.URL
	if s.url == "" {
		s.url = pageURL
	}
	s.doc = doc
	return nil
}

func (s *session) Links(_ context.Context, hrefFilter string) ([]string, error) {
	var hrefs []string
	s.doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if strings.Contains(href, hrefFilter) {
			hrefs = append(hrefs, href)
		}
	})
	return hrefs, nil
}

func (s *session) HasNextPage(context.Context) (bool, error) {
	_, ok := s.nextHref()
	return ok, nil
}

func (s *session) NextPage(ctx context.Context) error {
	href, ok := s.nextHref()
	if !ok {
		return fmt.Errorf("no element matches %q", s.renderer.nextSelector)
	}
	next, err := crawler.ResolveLink(s.url, href)
	if err != nil {
		return fmt.Errorf("resolve next page: %w", err)
	}
	return s.load(ctx, next)
}

func (s *session) Close() error {
	s.doc = nil
	return nil
}

func (s *session) nextHref() (string, bool) {
	href, ok := s.doc.Find(s.renderer.nextSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", false
	}
	return href, true
}
