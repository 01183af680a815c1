package discovery

import (
	"context"
	"fmt"
	"iter"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// DefaultMaxPages bounds pagination when RenderSource.MaxPages is unset.
const DefaultMaxPages = 50

// Source yields candidate hrefs lazily. An error ends the sequence.
type Source interface {
	Hrefs(ctx context.Context) iter.Seq2[string, error]
}

// ListSource is an explicit list of candidate URLs or site-relative hrefs.
type ListSource []string

// Hrefs yields each entry in order.
func (l ListSource) Hrefs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, href := range l {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(href, nil) {
				return
			}
		}
	}
}

// RenderSource lists links of a rendered listing page, optionally following
// the next-page control until none remains or MaxPages pages were read.
type RenderSource struct {
	Renderer   crawler.Renderer
	StartURL   string
	HrefFilter string
	Paginate   bool
	MaxPages   int
}

// Hrefs opens StartURL and yields matching hrefs page by page. Render and
// navigation failures are yielded as *crawler.DiscoveryError.
func (r RenderSource) Hrefs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fail := func(page int, err error) {
			yield("", &crawler.DiscoveryError{PageURL: r.StartURL, Err: fmt.Errorf("page %d: %w", page, err)})
		}
		session, err := r.Renderer.Open(ctx, r.StartURL)
		if err != nil {
			fail(1, err)
			return
		}
		defer session.Close() //nolint:errcheck // tab teardown

		maxPages := r.MaxPages
		if maxPages <= 0 {
			maxPages = DefaultMaxPages
		}
		for page := 1; ; page++ {
			links, err := session.Links(ctx, r.HrefFilter)
			if err != nil {
				fail(page, err)
				return
			}
			for _, href := range links {
				if !yield(href, nil) {
					return
				}
			}
			if !r.Paginate || page >= maxPages {
				return
			}
			more, err := session.HasNextPage(ctx)
			if err != nil {
				fail(page, err)
				return
			}
			if !more {
				return
			}
			if err := session.NextPage(ctx); err != nil {
				fail(page+1, err)
				return
			}
		}
	}
}
