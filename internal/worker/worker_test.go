package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/delta"
	"github.com/JakeFAU/delta-crawler/internal/frontier"
	"github.com/JakeFAU/delta-crawler/internal/hash/sha256"
	"github.com/JakeFAU/delta-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/delta-crawler/internal/publisher/memory"
	queuememory "github.com/JakeFAU/delta-crawler/internal/queue/memory"
	"github.com/JakeFAU/delta-crawler/internal/storage/memory"
)

const (
	site      = "https://ex.org"
	queueName = "url_queue_test"
)

var aiPartition = crawler.Partition{Key: "query", Value: "ai"}

type harness struct {
	frontier  *frontier.Store
	queue     *queuememory.Queue
	snapshots *memory.SnapshotStore
	publisher *pubmemory.Publisher
	fetcher   *stubFetcher
	worker    *Worker
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := frontier.New(ctx)
	require.NoError(t, err)
	_, err = store.RegisterSite(ctx, site)
	require.NoError(t, err)

	h := &harness{
		frontier:  store,
		queue:     queuememory.NewQueue(),
		snapshots: memory.NewSnapshotStore(),
		publisher: pubmemory.New(),
		fetcher:   &stubFetcher{texts: map[string]string{}, errs: map[string]error{}},
	}
	require.NoError(t, h.queue.Declare(ctx, queueName))
	analyzer, err := delta.New(h.snapshots, nil)
	require.NoError(t, err)

	deps := Deps{
		Queue:     h.queue,
		Frontier:  store,
		Registry:  store,
		Fetchers:  map[crawler.FetchKind]crawler.TextFetcher{crawler.FetchKindPage: h.fetcher},
		Recorder:  analyzer,
		Keys:      sha256.New(),
		Publisher: h.publisher,
		Clock:     fixedClock{},
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.worker, err = New(deps, Config{
		Visibility:      time.Minute,
		WaitTimeout:     20 * time.Millisecond,
		NotifyTopic:     "changes",
		NotifyThreshold: 0.3,
	}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, urls ...string) {
	t.Helper()
	ctx := context.Background()
	for _, u := range urls {
		_, err := h.frontier.MarkSeen(ctx, site, aiPartition, u)
		require.NoError(t, err)
		require.NoError(t, h.queue.Publish(ctx, queueName, task(u)))
	}
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Depth(context.Background(), queueName)
	require.NoError(t, err)
	return n
}

func task(url string) crawler.Task {
	return crawler.Task{Site: site, Partition: aiPartition, URL: url, Kind: crawler.FetchKindPage}
}

func (h *harness) state(t *testing.T, url string) crawler.URLState {
	t.Helper()
	s, err := h.frontier.State(context.Background(), site, aiPartition, url)
	require.NoError(t, err)
	return s
}

func TestRunDrainsEveryMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	h.fetcher.texts["https://ex.org/b"] = "beta"
	h.fetcher.texts["https://ex.org/c"] = "gamma"
	h.seed(t, "https://ex.org/a", "https://ex.org/b", "https://ex.org/c")
	require.NoError(t, h.frontier.PutBinding(ctx, crawler.QueueBinding{Name: queueName, Site: site, Partition: aiPartition}))

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	for _, u := range []string{"https://ex.org/a", "https://ex.org/b", "https://ex.org/c"} {
		assert.Equal(t, crawler.StateCompleted, h.state(t, u))
	}
	assert.Zero(t, h.depth(t))
	assert.Equal(t, 3, h.snapshots.Len())

	binding, err := h.frontier.Binding(ctx, queueName)
	require.NoError(t, err)
	assert.Equal(t, "https://ex.org/c", binding.LastProcessedURL)
}

func TestFetchFailureMarksFailedAndAcks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.errs["https://ex.org/a"] = &crawler.FetchError{URL: "https://ex.org/a", Err: errors.New("timeout")}
	h.seed(t, "https://ex.org/a")

	require.NoError(t, h.frontier.PutBinding(ctx, crawler.QueueBinding{Name: queueName, Site: site, Partition: aiPartition}))

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	assert.Equal(t, crawler.StateFailed, h.state(t, "https://ex.org/a"))
	pending, err := h.frontier.ListPending(ctx, site, aiPartition)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, h.depth(t))
	assert.Zero(t, h.snapshots.Len())

	binding, err := h.frontier.Binding(ctx, queueName)
	require.NoError(t, err)
	assert.Equal(t, "https://ex.org/a", binding.LastProcessedURL, "failed urls still advance queue progress")
}

func TestProgressIsRecordedWithoutRewritingBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	spy := &registrySpy{}
	h := newHarness(t, func(d *Deps) {
		spy.QueueRegistry = d.Registry
		d.Registry = spy
	})
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	h.fetcher.errs["https://ex.org/b"] = &crawler.FetchError{URL: "https://ex.org/b", Err: errors.New("reset")}
	h.seed(t, "https://ex.org/a", "https://ex.org/b")
	require.NoError(t, h.frontier.PutBinding(ctx, crawler.QueueBinding{
		Name: queueName, Site: site, Partition: aiPartition, Status: crawler.QueueStatusActive,
	}))

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	assert.Equal(t, 2, spy.marks())
	assert.Zero(t, spy.puts(), "workers must not rewrite the whole binding")
	binding, err := h.frontier.Binding(ctx, queueName)
	require.NoError(t, err)
	assert.Equal(t, crawler.QueueStatusActive, binding.Status)
	assert.Contains(t, []string{"https://ex.org/a", "https://ex.org/b"}, binding.LastProcessedURL)
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	h.seed(t, "https://ex.org/a")
	require.NoError(t, h.queue.Publish(ctx, queueName, task("https://ex.org/a")))

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	assert.Equal(t, 1, h.fetcher.calls())
	assert.Equal(t, crawler.StateCompleted, h.state(t, "https://ex.org/a"))
	assert.Zero(t, h.depth(t))
}

func TestUnknownURLIsAckedWithoutFetching(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.queue.Publish(ctx, queueName, task("https://ex.org/ghost")))

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	assert.Zero(t, h.fetcher.calls())
	assert.Zero(t, h.depth(t))
	assert.Equal(t, crawler.StateUnknown, h.state(t, "https://ex.org/ghost"))
}

func TestAbandonedInFlightTaskIsReclaimedOnRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	_, err := h.frontier.MarkSeen(ctx, site, aiPartition, "https://ex.org/a")
	require.NoError(t, err)
	require.NoError(t, h.frontier.TakePending(ctx, site, aiPartition, "https://ex.org/a"))

	require.NoError(t, h.queue.Publish(ctx, queueName, task("https://ex.org/a")))
	first, err := h.queue.Receive(ctx, queueName, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempt)
	require.NoError(t, h.worker.Handle(ctx, first, crawler.FetchKindPage, h.fetcher))
	assert.Zero(t, h.fetcher.calls(), "a first delivery of an in-flight url is a desync")
	assert.Equal(t, crawler.StateInFlight, h.state(t, "https://ex.org/a"))
	assert.Zero(t, h.depth(t), "the desynced delivery is acknowledged")

	// A zero visibility makes the message visible again at once, so the
	// second receive is a redelivery that supersedes the first receipt.
	require.NoError(t, h.queue.Publish(ctx, queueName, task("https://ex.org/a")))
	_, err = h.queue.Receive(ctx, queueName, 0, 0)
	require.NoError(t, err)
	redelivered, err := h.queue.Receive(ctx, queueName, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, 2, redelivered.Attempt)

	require.NoError(t, h.worker.Handle(ctx, redelivered, crawler.FetchKindPage, h.fetcher))
	assert.Equal(t, 1, h.fetcher.calls())
	assert.Equal(t, crawler.StateCompleted, h.state(t, "https://ex.org/a"))
	assert.Zero(t, h.depth(t))
}

func TestChangeNotification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	key, err := sha256.New().ResourceKey("https://ex.org/a")
	require.NoError(t, err)
	require.NoError(t, h.snapshots.Put(ctx, key, "hello\nworld"))
	require.NoError(t, h.snapshots.Put(ctx, mustKey(t, "https://ex.org/b"), "same"))

	h.fetcher.texts["https://ex.org/a"] = "hello\nmars"
	h.fetcher.texts["https://ex.org/b"] = "same"
	h.seed(t, "https://ex.org/a", "https://ex.org/b")

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "https://ex.org/a", events[0].URL)
	assert.Equal(t, key, events[0].ResourceKey)
	assert.InDelta(t, 0.5, events[0].ChangeScore, 1e-9)
	assert.Equal(t, "changes", h.publisher.Messages()[0].Topic)

	text, ok, err := h.snapshots.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello\nmars", text)
}

func TestSnapshotStorageFailureStopsWithoutAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(d *Deps) { d.Recorder = failingRecorder{} })
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	h.seed(t, "https://ex.org/a")

	err := h.worker.Run(ctx, queueName, crawler.FetchKindPage)
	require.Error(t, err)
	assert.True(t, crawler.IsStorageFailure(err))
	assert.Equal(t, 1, h.depth(t), "message left for redelivery")
	assert.Equal(t, crawler.StateInFlight, h.state(t, "https://ex.org/a"))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.worker.cfg.WaitTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx, queueName, crawler.FetchKindPage) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunRequiresFetcherForKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.worker.Run(context.Background(), queueName, crawler.FetchKindPDF)
	require.ErrorIs(t, err, crawler.ErrNoFetcher)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func mustKey(t *testing.T, url string) string {
	t.Helper()
	key, err := sha256.New().ResourceKey(url)
	require.NoError(t, err)
	return key
}

type stubFetcher struct {
	mu    sync.Mutex
	texts map[string]string
	errs  map[string]error
	n     int
}

func (s *stubFetcher) FetchText(_ context.Context, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if err := s.errs[url]; err != nil {
		return "", err
	}
	return s.texts[url], nil
}

func (s *stubFetcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type failingRecorder struct{}

func (failingRecorder) RecordAndDiff(context.Context, string, string) (float64, error) {
	return 0, crawler.NewStorageError("save snapshot", errors.New("disk full"))
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func TestFetchProgressIsReported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recordingEmitter{}
	h := newHarness(t, func(d *Deps) { d.Progress = rec })
	h.fetcher.texts["https://ex.org/a"] = "alpha"
	h.fetcher.errs["https://ex.org/b"] = errors.New("refused")
	h.seed(t, "https://ex.org/a", "https://ex.org/b")

	require.NoError(t, h.worker.Run(ctx, queueName, crawler.FetchKindPage))

	events := rec.all()
	require.Len(t, events, 2)
	byURL := map[string]progress.Event{}
	for _, evt := range events {
		assert.Equal(t, progress.StageFetchDone, evt.Stage)
		assert.Equal(t, queueName, evt.Queue)
		assert.NoError(t, evt.Validate())
		byURL[evt.URL] = evt
	}
	assert.Equal(t, progress.OutcomeSuccess, byURL["https://ex.org/a"].Outcome)
	assert.EqualValues(t, len("alpha"), byURL["https://ex.org/a"].Chars)
	assert.Equal(t, progress.OutcomeFailure, byURL["https://ex.org/b"].Outcome)
	assert.Equal(t, "refused", byURL["https://ex.org/b"].Note)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type registrySpy struct {
	crawler.QueueRegistry
	mu       sync.Mutex
	putCalls int
	marked   int
}

func (r *registrySpy) PutBinding(ctx context.Context, b crawler.QueueBinding) error {
	r.mu.Lock()
	r.putCalls++
	r.mu.Unlock()
	return r.QueueRegistry.PutBinding(ctx, b)
}

func (r *registrySpy) MarkProcessed(ctx context.Context, name, url string) error {
	r.mu.Lock()
	r.marked++
	r.mu.Unlock()
	return r.QueueRegistry.MarkProcessed(ctx, name, url)
}

func (r *registrySpy) puts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCalls
}

func (r *registrySpy) marks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marked
}
