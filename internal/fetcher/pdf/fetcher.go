// Package pdf downloads PDF documents and extracts their plain text.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Fetcher implements crawler.TextFetcher for PDF documents.
type Fetcher struct {
	download crawler.Fetcher
	limiter  crawler.RateLimiter
	logger   *zap.Logger
	maxBytes int
}

var _ crawler.TextFetcher = (*Fetcher)(nil)

// Config bounds downloads.
type Config struct {
	// MaxBytes rejects larger documents. Zero means unlimited.
	MaxBytes int
}

// New builds a PDF fetcher that downloads through download.
func New(download crawler.Fetcher, limiter crawler.RateLimiter, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if download == nil {
		return nil, fmt.Errorf("download fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{download: download, limiter: limiter, logger: logger, maxBytes: cfg.MaxBytes}, nil
}

// FetchText downloads url and returns its cleaned text.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return "", &crawler.FetchError{URL: url, Err: err}
		}
	}
	resp, err := f.download.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		if crawler.IsFetchFailure(err) {
			return "", err
		}
		return "", &crawler.FetchError{URL: url, Err: err}
	}
	if len(resp.Body) == 0 {
		return "", &crawler.FetchError{URL: url, Err: fmt.Errorf("empty document")}
	}
	if f.maxBytes > 0 && len(resp.Body) > f.maxBytes {
		return "", &crawler.FetchError{URL: url, Err: fmt.Errorf("document is %d bytes, limit %d", len(resp.Body), f.maxBytes)}
	}
	raw, err := ExtractText(resp.Body)
	if err != nil {
		return "", &crawler.FetchError{URL: url, Err: err}
	}
	text := CleanText(raw)
	f.logger.Debug("pdf text extracted", zap.String("url", url), zap.Int("chars", len(text)))
	return text, nil
}

// ExtractText returns the raw text of every page of a PDF document.
func ExtractText(data []byte) (text string, err error) {
	// The parser panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(out), nil
}

// CleanText collapses whitespace inside each paragraph and keeps one
// paragraph per line, so line-based change scoring sees paragraph edits.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs []string
	for _, para := range paragraphBreak.Split(text, -1) {
		if collapsed := strings.Join(strings.Fields(para), " "); collapsed != "" {
			paragraphs = append(paragraphs, collapsed)
		}
	}
	return strings.Join(paragraphs, "\n")
}
