// Package discovery finds candidate URLs for a site partition and records
// the ones the frontier has never seen as pending.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/metrics"
)

// Engine runs discovery against a FrontierStore.
type Engine struct {
	store  crawler.FrontierStore
	logger *zap.Logger
}

// New builds an Engine.
func New(store crawler.FrontierStore, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("frontier store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{store: store, logger: logger}, nil
}

// Discover resolves every href of source against site, skips duplicates of
// this run, and marks the rest seen. It returns how many URLs were new to the
// partition. A source failure stops the run; URLs recorded before it stay
// recorded and their count is returned with the *crawler.DiscoveryError.
func (e *Engine) Discover(ctx context.Context, site string, partition crawler.Partition, source Source) (int, error) {
	logger := e.logger.With(zap.String("site", site), zap.String("partition", partition.String()))
	if _, err := e.store.RegisterSite(ctx, site); err != nil {
		return 0, fmt.Errorf("register site: %w", err)
	}

	var (
		inserted, candidates int
		emitted              = make(map[string]struct{})
	)
	defer func() { metrics.ObserveDiscovered(site, inserted) }()

	for href, err := range source.Hrefs(ctx) {
		if err != nil {
			var de *crawler.DiscoveryError
			if !errors.As(err, &de) {
				de = &crawler.DiscoveryError{Err: err}
			}
			de.Site = site
			logger.Error("discovery aborted", zap.Int("new_urls", inserted), zap.Error(de))
			return inserted, de
		}
		url, err := crawler.ResolveHref(site, href)
		if err != nil {
			logger.Debug("skipping href", zap.String("href", href), zap.Error(err))
			continue
		}
		if _, dup := emitted[url]; dup {
			continue
		}
		emitted[url] = struct{}{}
		candidates++

		isNew, err := e.store.MarkSeen(ctx, site, partition, url)
		if err != nil {
			return inserted, fmt.Errorf("mark seen %s: %w", url, err)
		}
		if isNew {
			inserted++
		}
	}

	logger.Info("discovery finished", zap.Int("candidates", candidates), zap.Int("new_urls", inserted))
	return inserted, nil
}
