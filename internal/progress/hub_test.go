package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := drainEvent(StageDrainStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(drainEvent(StageDrainStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{Now: time.Now},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(drainEvent(StageDrainStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.EqualValues(t, 0, hub.Dropped(), "warning resets the counter")
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(drainEvent(StageDrainStart))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	assert.True(t, sink.closed)

	hub.Emit(drainEvent(StageDrainDone))
	assert.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubStampsAndValidates(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := newStubSink()
	hub := NewHub(Config{Now: func() time.Time { return fixed }}, sink)

	evt := drainEvent(StageDrainStart)
	evt.TS = time.Time{}
	hub.Emit(evt)
	hub.Emit(Event{Stage: StageFetchDone, Queue: "q"})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, fixed, batches[0][0].TS)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{name: "drain", evt: drainEvent(StageDrainDone), ok: true},
		{name: "drain without run", evt: Event{TS: now, Stage: StageDrainStart, Queue: "q"}},
		{name: "no queue", evt: Event{TS: now, Stage: StageFetchDone, Site: "s", Outcome: OutcomeSuccess}},
		{name: "fetch", evt: Event{TS: now, Stage: StageFetchDone, Queue: "q", Site: "s", Outcome: OutcomeFailure}, ok: true},
		{name: "fetch without outcome", evt: Event{TS: now, Stage: StageFetchDone, Queue: "q", Site: "s"}},
		{name: "unknown stage", evt: Event{TS: now, Stage: "NOPE", Queue: "q"}},
		{
			name: "negative duration",
			evt:  Event{TS: now, Stage: StageFetchDone, Queue: "q", Site: "s", Outcome: OutcomeSuccess, Dur: -1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if tc.ok {
				assert.NoError(t, tc.evt.Validate())
			} else {
				assert.Error(t, tc.evt.Validate())
			}
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func drainEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		Queue: "url_queue_test",
		Kind:  "page",
	}
}
