// Package detector decides when a static probe should be refetched with a
// headless browser.
package detector

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const (
	defaultMinTextChars = 60
	// scriptSharePercent is the share of markup inside <script> elements at
	// which a page is treated as script-driven.
	scriptSharePercent = 25
)

// mountPoints are the root elements client-side frameworks render into.
const mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-version]"

// Heuristic promotes HTML pages that carry little visible text and look like
// they are rendered client-side.
type Heuristic struct {
	// MinTextChars is the amount of visible body text below which a page is
	// considered unrendered.
	MinTextChars int
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a detector. A non-positive threshold uses the default.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = defaultMinTextChars
	}
	return &Heuristic{MinTextChars: minTextChars}
}

// ShouldPromote reports whether resp needs a headless fetch. Only successful,
// static HTML responses are candidates. An empty body always promotes.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless || !isHTML(resp.Headers.Get("Content-Type")) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if visibleTextLen(doc) >= h.MinTextChars {
		return false
	}
	return doc.Find(mountPoints).Length() > 0 || scriptHeavy(doc, len(resp.Body))
}

// isHTML treats a missing content type as HTML. PDFs and other documents
// never need a browser.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}

func scriptHeavy(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	inline := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		inline += len(s.Text())
		// External bundles count by their tag so a page of bare <script src>
		// loaders still registers.
		if src, ok := s.Attr("src"); ok {
			inline += len(`<script src=""></script>`) + len(src)
		}
	})
	return inline*100/total >= scriptSharePercent
}
