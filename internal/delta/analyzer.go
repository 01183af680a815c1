// Package delta scores how much a resource's extracted text changed since the
// previous fetch and keeps the latest text as the new snapshot.
package delta

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Analyzer implements crawler.ChangeRecorder on top of a SnapshotStore.
type Analyzer struct {
	store  crawler.SnapshotStore
	logger *zap.Logger
	locks  keyLocks
}

var _ crawler.ChangeRecorder = (*Analyzer)(nil)

// New builds an Analyzer. A nil logger disables logging.
func New(store crawler.SnapshotStore, logger *zap.Logger) (*Analyzer, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		store:  store,
		logger: logger,
		locks:  keyLocks{held: make(map[string]*keyLock)},
	}, nil
}

// RecordAndDiff compares newText with the stored snapshot for resourceKey,
// overwrites the snapshot with newText, and returns the change score in [0, 1].
// A missing snapshot is treated as empty text. Calls for the same key are
// serialized so the read-compare-write sequence never interleaves.
func (a *Analyzer) RecordAndDiff(ctx context.Context, resourceKey, newText string) (float64, error) {
	unlock := a.locks.lock(resourceKey)
	defer unlock()

	oldText, existed, err := a.store.Get(ctx, resourceKey)
	if err != nil {
		return 0, crawler.NewStorageError("load snapshot", err)
	}
	score := Score(oldText, newText)
	if err := a.store.Put(ctx, resourceKey, newText); err != nil {
		return 0, crawler.NewStorageError("save snapshot", err)
	}
	a.logger.Debug("snapshot recorded",
		zap.String("resource_key", resourceKey),
		zap.Bool("first_snapshot", !existed),
		zap.Float64("score", score),
	)
	return score, nil
}

// Score returns 1 minus the similarity ratio of the two texts compared line by line.
// Identical texts (including two empty texts) score 0.
func Score(oldText, newText string) float64 {
	matcher := difflib.NewMatcher(SplitLines(oldText), SplitLines(newText))
	return 1 - matcher.Ratio()
}

// SplitLines splits text on line boundaries without keeping the terminators.
// A trailing terminator does not produce an empty final line, and the empty
// string has no lines. \n, \r\n, \r, \v, \f, \x1c-\x1e, \x85, U+2028 and
// U+2029 all end a line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	var (
		lines []string
		b     strings.Builder
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isLineBreak(r) {
			b.WriteRune(r)
			continue
		}
		lines = append(lines, b.String())
		b.Reset()
		if r == '\r' && i+1 < len(runes) && runes[i+1] == '\n' {
			i++
		}
	}
	if b.Len() > 0 {
		lines = append(lines, b.String())
	}
	return lines
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	default:
		return false
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and forgets it once no caller holds it.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
