package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/delta-crawler/internal/progress"
)

// Drain results used as label values.
const (
	resultDrained     = "drained"
	resultError       = "error"
	resultInterrupted = "interrupted"
)

// PrometheusSink exports drain-run and fetch latency metrics.
type PrometheusSink struct {
	drainsStarted   prometheus.Counter
	drainsCompleted *prometheus.CounterVec
	drainsRunning   prometheus.Gauge
	drainRuntime    *prometheus.HistogramVec
	fetchDuration   *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused, so several sinks may share the
// default registry within one process.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{tracker: newRunTracker()}
	var err error
	if s.drainsStarted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_drains_started_total",
		Help: "Total dispatcher runs started over a queue.",
	})); err != nil {
		return nil, err
	}
	if s.drainsCompleted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_drains_completed_total",
		Help: "Total dispatcher runs finished, partitioned by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.drainsRunning, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_drains_running",
		Help: "Current number of dispatcher runs in progress.",
	})); err != nil {
		return nil, err
	}
	if s.drainRuntime, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawler_drain_runtime_seconds",
		Help:    "Wall time per finished dispatcher run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if s.fetchDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawler_fetch_duration_seconds",
		Help:    "Fetch duration partitioned by site and outcome.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"site", "outcome"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageDrainStart:
			s.drainsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.drainsRunning.Inc()
			}
		case progress.StageDrainDone:
			s.finish(evt, resultDrained)
		case progress.StageDrainError:
			s.finish(evt, resultError)
		case progress.StageDrainInterrupted:
			s.finish(evt, resultInterrupted)
		case progress.StageFetchDone:
			s.fetchDuration.WithLabelValues(evt.Site, string(evt.Outcome)).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.drainsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.drainRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.drainsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
