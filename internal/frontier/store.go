// Package frontier implements the in-process Frontier Store: per-partition
// URL state guarded by a mutex per (site, partition), written through to an
// optional Persister before each mutating call returns.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Persister durably records frontier state. Implementations must make each
// call atomic: a crash leaves either the old or the new record, never a torn one.
type Persister interface {
	Load(ctx context.Context) (State, error)
	SaveSite(ctx context.Context, site crawler.Site) error
	SavePartition(ctx context.Context, record PartitionRecord) error
	DeletePartition(ctx context.Context, site string, partition crawler.Partition) error
	DeleteSite(ctx context.Context, site string) error
	SaveBindings(ctx context.Context, bindings []crawler.QueueBinding) error
}

// State is everything a Persister returns on Load.
type State struct {
	Sites      []crawler.Site
	Partitions []PartitionRecord
	Bindings   []crawler.QueueBinding
}

// PartitionRecord is the persisted form of one partition, in insertion order.
type PartitionRecord struct {
	Site      string            `json:"site"`
	Partition crawler.Partition `json:"partition"`
	Entries   []Entry           `json:"entries"`
}

// Entry is one URL and its current set.
type Entry struct {
	URL   string           `json:"url"`
	State crawler.URLState `json:"state"`
}

// Store is a mutex-guarded FrontierStore and QueueRegistry.
type Store struct {
	mu        sync.RWMutex
	sites     map[string]*siteState
	persister Persister
	clock     crawler.Clock
	logger    *zap.Logger

	bindingsMu sync.Mutex
	bindings   map[string]crawler.QueueBinding
}

type siteState struct {
	site  crawler.Site
	parts map[crawler.Partition]*partitionState
}

type partitionState struct {
	mu     sync.Mutex
	states map[string]crawler.URLState
	order  []string
}

var (
	_ crawler.FrontierStore = (*Store)(nil)
	_ crawler.QueueRegistry = (*Store)(nil)
)

// Option customizes a Store.
type Option func(*Store)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the clock used for registration timestamps.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Store and, when a Persister is configured, loads its state.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	s := &Store{
		sites:    make(map[string]*siteState),
		bindings: make(map[string]crawler.QueueBinding),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = utcClock{}
	}
	if s.persister == nil {
		return s, nil
	}
	state, err := s.persister.Load(ctx)
	if err != nil {
		return nil, crawler.NewStorageError("load frontier", err)
	}
	s.restore(state)
	s.logger.Info("frontier loaded",
		zap.Int("sites", len(state.Sites)),
		zap.Int("partitions", len(state.Partitions)),
		zap.Int("bindings", len(state.Bindings)),
	)
	return s, nil
}

func (s *Store) restore(state State) {
	for _, site := range state.Sites {
		s.sites[site.BaseURL] = &siteState{site: site, parts: make(map[crawler.Partition]*partitionState)}
	}
	for _, rec := range state.Partitions {
		ss, ok := s.sites[rec.Site]
		if !ok {
			ss = &siteState{site: crawler.Site{BaseURL: rec.Site}, parts: make(map[crawler.Partition]*partitionState)}
			s.sites[rec.Site] = ss
		}
		ps := newPartitionState()
		for _, e := range rec.Entries {
			if !e.State.Valid() {
				continue
			}
			if _, dup := ps.states[e.URL]; dup {
				continue
			}
			ps.states[e.URL] = e.State
			ps.order = append(ps.order, e.URL)
		}
		ss.parts[rec.Partition] = ps
	}
	for _, b := range state.Bindings {
		s.bindings[b.Name] = b
	}
}

func newPartitionState() *partitionState {
	return &partitionState{states: make(map[string]crawler.URLState)}
}

// RegisterSite records baseURL. Registering twice returns the original handle.
func (s *Store) RegisterSite(ctx context.Context, baseURL string) (crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sites[baseURL]; ok {
		return ss.site, nil
	}
	site := crawler.Site{BaseURL: baseURL, RegisteredAt: s.clock.Now()}
	if s.persister != nil {
		if err := s.persister.SaveSite(ctx, site); err != nil {
			return crawler.Site{}, crawler.NewStorageError("save site", err)
		}
	}
	s.sites[baseURL] = &siteState{site: site, parts: make(map[crawler.Partition]*partitionState)}
	return site, nil
}

// MarkSeen inserts url into pending unless the partition already knows it.
func (s *Store) MarkSeen(ctx context.Context, site string, partition crawler.Partition, url string) (bool, error) {
	inserted := false
	err := s.withPartition(site, partition, true, func(ps *partitionState) error {
		if _, seen := ps.states[url]; seen {
			return nil
		}
		ps.states[url] = crawler.StatePending
		ps.order = append(ps.order, url)
		if err := s.persist(ctx, site, partition, ps); err != nil {
			delete(ps.states, url)
			ps.order = ps.order[:len(ps.order)-1]
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// TakePending moves url from pending to in-flight.
func (s *Store) TakePending(ctx context.Context, site string, partition crawler.Partition, url string) error {
	return s.transition(ctx, "take pending", site, partition, url, crawler.StateInFlight, crawler.ErrNotPending,
		crawler.StatePending)
}

// Complete finalizes an in-flight (or still pending) url as completed.
func (s *Store) Complete(ctx context.Context, site string, partition crawler.Partition, url string) error {
	return s.transition(ctx, "complete", site, partition, url, crawler.StateCompleted, crawler.ErrNotInFlight,
		crawler.StateInFlight, crawler.StatePending)
}

// Fail parks an in-flight (or still pending) url in failed.
func (s *Store) Fail(ctx context.Context, site string, partition crawler.Partition, url string) error {
	return s.transition(ctx, "fail", site, partition, url, crawler.StateFailed, crawler.ErrNotInFlight,
		crawler.StateInFlight, crawler.StatePending)
}

// Requeue moves a failed url back to pending.
func (s *Store) Requeue(ctx context.Context, site string, partition crawler.Partition, url string) error {
	return s.transition(ctx, "requeue", site, partition, url, crawler.StatePending, crawler.ErrNotFailed,
		crawler.StateFailed)
}

func (s *Store) transition(
	ctx context.Context,
	op string,
	site string,
	partition crawler.Partition,
	url string,
	to crawler.URLState,
	mismatch error,
	from ...crawler.URLState,
) error {
	err := s.withPartition(site, partition, false, func(ps *partitionState) error {
		current, ok := ps.states[url]
		if !ok {
			if errors.Is(mismatch, crawler.ErrNotPending) {
				return crawler.NewInvariantError(op, site, partition, url, crawler.ErrNotPending)
			}
			return crawler.NewInvariantError(op, site, partition, url, crawler.ErrUnknownURL)
		}
		if !stateIn(current, from) {
			return crawler.NewInvariantError(op, site, partition, url,
				fmt.Errorf("%w (state %s)", mismatch, current))
		}
		ps.states[url] = to
		if err := s.persist(ctx, site, partition, ps); err != nil {
			ps.states[url] = current
			return err
		}
		return nil
	})
	if errors.Is(err, errPartitionMissing) {
		if errors.Is(mismatch, crawler.ErrNotPending) {
			return crawler.NewInvariantError(op, site, partition, url, crawler.ErrNotPending)
		}
		return crawler.NewInvariantError(op, site, partition, url, crawler.ErrUnknownURL)
	}
	return err
}

func stateIn(s crawler.URLState, set []crawler.URLState) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// Purge removes a partition, or the whole site when partition is nil.
func (s *Store) Purge(ctx context.Context, site string, partition *crawler.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sites[site]
	if !ok {
		return crawler.ErrSiteNotRegistered
	}
	if partition == nil {
		if s.persister != nil {
			if err := s.persister.DeleteSite(ctx, site); err != nil {
				return crawler.NewStorageError("delete site", err)
			}
		}
		delete(s.sites, site)
		return nil
	}
	if s.persister != nil {
		if err := s.persister.DeletePartition(ctx, site, *partition); err != nil {
			return crawler.NewStorageError("delete partition", err)
		}
	}
	delete(ss.parts, *partition)
	return nil
}

// State returns the set url belongs to, or StateUnknown.
func (s *Store) State(_ context.Context, site string, partition crawler.Partition, url string) (crawler.URLState, error) {
	state := crawler.StateUnknown
	err := s.withPartition(site, partition, false, func(ps *partitionState) error {
		state = ps.states[url]
		return nil
	})
	if errors.Is(err, errPartitionMissing) {
		return crawler.StateUnknown, nil
	}
	return state, err
}

// ListPending returns pending URLs in discovery order.
func (s *Store) ListPending(_ context.Context, site string, partition crawler.Partition) ([]string, error) {
	var out []string
	err := s.withPartition(site, partition, false, func(ps *partitionState) error {
		for _, u := range ps.order {
			if ps.states[u] == crawler.StatePending {
				out = append(out, u)
			}
		}
		return nil
	})
	if errors.Is(err, errPartitionMissing) {
		return nil, nil
	}
	return out, err
}

// Snapshot returns a consistent copy of the whole frontier.
func (s *Store) Snapshot(_ context.Context) (crawler.Frontier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	siteKeys := make([]string, 0, len(s.sites))
	for k := range s.sites {
		siteKeys = append(siteKeys, k)
	}
	sort.Strings(siteKeys)

	out := crawler.Frontier{Sites: make([]crawler.SiteSnapshot, 0, len(siteKeys))}
	for _, key := range siteKeys {
		ss := s.sites[key]
		snap := crawler.SiteSnapshot{Site: ss.site}
		parts := make([]crawler.Partition, 0, len(ss.parts))
		for p := range ss.parts {
			parts = append(parts, p)
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].String() < parts[j].String() })
		for _, p := range parts {
			snap.Partitions = append(snap.Partitions, ss.parts[p].snapshot(p))
		}
		out.Sites = append(out.Sites, snap)
	}
	return out, nil
}

func (ps *partitionState) snapshot(p crawler.Partition) crawler.PartitionSnapshot {
	snap := crawler.PartitionSnapshot{Partition: p}
	for _, u := range ps.order {
		switch ps.states[u] {
		case crawler.StatePending:
			snap.Pending = append(snap.Pending, u)
		case crawler.StateInFlight:
			snap.InFlight = append(snap.InFlight, u)
		case crawler.StateCompleted:
			snap.Completed = append(snap.Completed, u)
		case crawler.StateFailed:
			snap.Failed = append(snap.Failed, u)
		}
	}
	return snap
}

func (ps *partitionState) record(site string, p crawler.Partition) PartitionRecord {
	rec := PartitionRecord{Site: site, Partition: p, Entries: make([]Entry, 0, len(ps.order))}
	for _, u := range ps.order {
		rec.Entries = append(rec.Entries, Entry{URL: u, State: ps.states[u]})
	}
	return rec
}

var errPartitionMissing = errors.New("partition missing")

// withPartition runs fn with the partition lock held. The store read lock is
// held for the duration so Purge and Snapshot observe no half-applied call.
func (s *Store) withPartition(
	site string,
	partition crawler.Partition,
	create bool,
	fn func(ps *partitionState) error,
) error {
	for {
		s.mu.RLock()
		ss, ok := s.sites[site]
		if !ok {
			s.mu.RUnlock()
			if create {
				return crawler.ErrSiteNotRegistered
			}
			return errPartitionMissing
		}
		ps, ok := ss.parts[partition]
		if !ok {
			s.mu.RUnlock()
			if !create {
				return errPartitionMissing
			}
			s.mu.Lock()
			if current, live := s.sites[site]; live {
				if _, exists := current.parts[partition]; !exists {
					current.parts[partition] = newPartitionState()
				}
			}
			s.mu.Unlock()
			continue
		}
		ps.mu.Lock()
		err := fn(ps)
		ps.mu.Unlock()
		s.mu.RUnlock()
		return err
	}
}

func (s *Store) persist(ctx context.Context, site string, partition crawler.Partition, ps *partitionState) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SavePartition(ctx, ps.record(site, partition)); err != nil {
		s.logger.Error("persist partition failed",
			zap.String("site", site),
			zap.String("partition", partition.String()),
			zap.Error(err),
		)
		return crawler.NewStorageError("save partition", err)
	}
	return nil
}

// PutBinding creates or replaces a queue binding.
func (s *Store) PutBinding(ctx context.Context, binding crawler.QueueBinding) error {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	now := s.clock.Now()
	prev, existed := s.bindings[binding.Name]
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
		if existed {
			binding.CreatedAt = prev.CreatedAt
		}
	}
	binding.UpdatedAt = now
	s.bindings[binding.Name] = binding
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveBindings(ctx, s.sortedBindings()); err != nil {
		if existed {
			s.bindings[binding.Name] = prev
		} else {
			delete(s.bindings, binding.Name)
		}
		return crawler.NewStorageError("save bindings", err)
	}
	return nil
}

// Binding returns a queue binding by name.
func (s *Store) Binding(_ context.Context, name string) (crawler.QueueBinding, error) {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	b, ok := s.bindings[name]
	if !ok {
		return crawler.QueueBinding{}, fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	return b, nil
}

// MarkProcessed records url as the last one processed on the named queue.
func (s *Store) MarkProcessed(ctx context.Context, name, url string) error {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	prev, ok := s.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	b := prev
	b.LastProcessedURL = url
	b.UpdatedAt = s.clock.Now()
	s.bindings[name] = b
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveBindings(ctx, s.sortedBindings()); err != nil {
		s.bindings[name] = prev
		return crawler.NewStorageError("save bindings", err)
	}
	return nil
}

// ListBindings returns all bindings ordered by creation time.
func (s *Store) ListBindings(_ context.Context) ([]crawler.QueueBinding, error) {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	return s.sortedBindings(), nil
}

func (s *Store) sortedBindings() []crawler.QueueBinding {
	out := make([]crawler.QueueBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
