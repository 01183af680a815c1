// Package worker implements the fetch worker loop: it drains a dispatch queue,
// fetches each URL's text, scores the change, and records the outcome in the
// frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/dispatcher"
	"github.com/JakeFAU/delta-crawler/internal/logging"
	"github.com/JakeFAU/delta-crawler/internal/metrics"
	"github.com/JakeFAU/delta-crawler/internal/progress"
)

const tracerName = "github.com/JakeFAU/delta-crawler/internal/worker"

const (
	defaultVisibility  = 5 * time.Minute
	defaultWaitTimeout = 5 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// Visibility hides a received task from other workers while it is processed.
	Visibility time.Duration
	// WaitTimeout is how long an idle receive waits before the queue counts as drained.
	WaitTimeout time.Duration
	// NotifyTopic receives a crawler.ChangeEvent when a score reaches NotifyThreshold.
	NotifyTopic     string
	NotifyThreshold float64
}

// Deps are the collaborators a Worker needs. Registry, Publisher, and
// Progress are optional.
type Deps struct {
	Queue     crawler.Queue
	Frontier  crawler.FrontierStore
	Registry  crawler.QueueRegistry
	Fetchers  map[crawler.FetchKind]crawler.TextFetcher
	Recorder  crawler.ChangeRecorder
	Keys      crawler.ResourceKeyer
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Clock     crawler.Clock
}

// Worker consumes dispatch tasks and executes the fetch pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

var _ dispatcher.Runner = (*Worker)(nil)

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Frontier == nil:
		return nil, fmt.Errorf("frontier store is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("change recorder is required")
	case deps.Keys == nil:
		return nil, fmt.Errorf("resource keyer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run drains queueName with the fetcher registered for kind and returns nil
// once the queue stays empty for WaitTimeout. Cancelling ctx stops receiving;
// the task in progress is finished first, and anything received but not yet
// acknowledged is redelivered later. Storage failures stop the loop and are
// returned.
func (w *Worker) Run(ctx context.Context, queueName string, kind crawler.FetchKind) error {
	fetcher, ok := w.deps.Fetchers[kind]
	if !ok || fetcher == nil {
		return fmt.Errorf("%w: %s", crawler.ErrNoFetcher, kind)
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("queue", queueName), zap.String("kind", string(kind)))
	processed := 0
	for d, err := range dispatcher.Consume(ctx, w.deps.Queue, queueName, w.cfg.Visibility, w.cfg.WaitTimeout) {
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopping", zap.Int("processed", processed))
				return nil
			}
			return fmt.Errorf("receive from %s: %w", queueName, err)
		}
		// In-flight work is finished even when shutdown begins.
		if err := w.Handle(context.WithoutCancel(ctx), d, kind, fetcher); err != nil {
			logger.Error("worker aborted", zap.String("url", d.Task.URL), zap.Error(err))
			return err
		}
		processed++
	}
	logger.Info("queue drained", zap.Int("processed", processed))
	return nil
}

// Handle processes one delivery. Fetch failures and frontier desyncs are
// recorded and acknowledged; only storage failures are returned, leaving the
// delivery unacknowledged.
func (w *Worker) Handle(ctx context.Context, d crawler.Delivery, kind crawler.FetchKind, fetcher crawler.TextFetcher) error {
	t := d.Task
	logger := logging.ForTask(w.logger, d.Queue, t.Site, t.Partition.String(), t.URL).
		With(zap.Int("attempt", d.Attempt))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("crawler.queue", d.Queue),
		attribute.String("crawler.url", t.URL),
		attribute.Int("crawler.attempt", d.Attempt),
	)

	outcome := metrics.DeliveryProcessed
	if err := w.deps.Frontier.TakePending(ctx, t.Site, t.Partition, t.URL); err != nil {
		var proceed bool
		outcome, proceed, err = w.classifyRedelivery(ctx, d, err)
		if err != nil {
			return err
		}
		if !proceed {
			if outcome == metrics.DeliveryInvariant {
				logger.Error("task does not match frontier state; dropping")
			} else {
				logger.Debug("task already finalized; dropping duplicate")
			}
			metrics.ObserveDelivery(outcome)
			return w.ack(ctx, d, logger)
		}
		logger.Info("reclaiming abandoned task")
	}

	started := w.deps.Clock.Now()
	text, err := fetcher.FetchText(ctx, t.URL)
	w.reportFetch(d, kind, started, len(text), err)
	if err != nil {
		metrics.ObserveFetch(t.Site, string(kind), "failure", 0)
		logger.Warn("fetch failed", zap.Error(err))
		return w.settle(ctx, d, outcome, logger, w.deps.Frontier.Fail)
	}
	metrics.ObserveFetch(t.Site, string(kind), "success", len(text))

	key, err := w.deps.Keys.ResourceKey(t.URL)
	if err != nil {
		logger.Warn("cannot derive resource key", zap.Error(err))
		return w.settle(ctx, d, outcome, logger, w.deps.Frontier.Fail)
	}
	score, err := w.deps.Recorder.RecordAndDiff(ctx, key, text)
	if err != nil {
		return fmt.Errorf("record snapshot for %s: %w", t.URL, err)
	}
	metrics.ObserveChangeScore(string(kind), score)

	if err := w.settle(ctx, d, outcome, logger, w.deps.Frontier.Complete); err != nil {
		return err
	}
	logger.Info("url processed", zap.Float64("score", score), zap.Int("chars", len(text)))

	w.notify(ctx, t, key, score, logger)
	return nil
}

// classifyRedelivery decides what to do with a task that TakePending refused.
// Finalized URLs are duplicates. An in-flight URL on a redelivery was
// abandoned by a worker that stopped before finishing and is processed again.
func (w *Worker) classifyRedelivery(ctx context.Context, d crawler.Delivery, takeErr error) (string, bool, error) {
	if !errors.Is(takeErr, crawler.ErrNotPending) {
		return "", false, takeErr
	}
	t := d.Task
	state, err := w.deps.Frontier.State(ctx, t.Site, t.Partition, t.URL)
	if err != nil {
		return "", false, err
	}
	switch {
	case state == crawler.StateCompleted || state == crawler.StateFailed:
		return metrics.DeliveryDuplicate, false, nil
	case state == crawler.StateInFlight && d.Attempt > 1:
		return metrics.DeliveryReclaimed, true, nil
	default:
		return metrics.DeliveryInvariant, false, nil
	}
}

func (w *Worker) reportFetch(d crawler.Delivery, kind crawler.FetchKind, started time.Time, chars int, err error) {
	evt := progress.Event{
		TS:      w.deps.Clock.Now(),
		Stage:   progress.StageFetchDone,
		Queue:   d.Queue,
		Kind:    string(kind),
		Site:    d.Task.Site,
		URL:     d.Task.URL,
		Chars:   int64(chars),
		Outcome: progress.OutcomeSuccess,
	}
	evt.Dur = max(evt.TS.Sub(started), 0)
	if err != nil {
		evt.Outcome = progress.OutcomeFailure
		evt.Note = err.Error()
	}
	w.deps.Progress.Emit(evt)
}

type transition func(ctx context.Context, site string, partition crawler.Partition, url string) error

func (w *Worker) finalize(ctx context.Context, t crawler.Task, logger *zap.Logger, move transition) error {
	err := move(ctx, t.Site, t.Partition, t.URL)
	if err == nil {
		return nil
	}
	if crawler.IsInvariantViolation(err) {
		logger.Error("frontier rejected transition", zap.Error(err))
		return nil
	}
	return err
}

// settle moves the url to its final state, acknowledges the delivery, and
// records it as the queue's last processed url, whether it completed or failed.
func (w *Worker) settle(ctx context.Context, d crawler.Delivery, outcome string, logger *zap.Logger, move transition) error {
	if err := w.finalize(ctx, d.Task, logger, move); err != nil {
		return err
	}
	metrics.ObserveDelivery(outcome)
	if err := w.ack(ctx, d, logger); err != nil {
		return err
	}
	w.markProgress(ctx, d, logger)
	return nil
}

func (w *Worker) ack(ctx context.Context, d crawler.Delivery, logger *zap.Logger) error {
	err := w.deps.Queue.Ack(ctx, d)
	if errors.Is(err, crawler.ErrDeliveryExpired) {
		logger.Warn("ack after visibility timeout; task may run again", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Task.URL, err)
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, t crawler.Task, key string, score float64, logger *zap.Logger) {
	if w.deps.Publisher == nil || score < w.cfg.NotifyThreshold || score == 0 {
		return
	}
	event := crawler.ChangeEvent{
		Site:        t.Site,
		Partition:   t.Partition,
		URL:         t.URL,
		ResourceKey: key,
		ChangeScore: score,
		DetectedAt:  w.deps.Clock.Now(),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.NotifyTopic, event)
	if err != nil {
		logger.Warn("change notification failed", zap.Error(err))
		return
	}
	metrics.ObserveChangePublished()
	logger.Debug("change published", zap.String("message_id", id))
}

func (w *Worker) markProgress(ctx context.Context, d crawler.Delivery, logger *zap.Logger) {
	if w.deps.Registry == nil {
		return
	}
	err := w.deps.Registry.MarkProcessed(ctx, d.Queue, d.Task.URL)
	if err != nil && !errors.Is(err, crawler.ErrBindingNotFound) {
		logger.Warn("queue progress not recorded", zap.Error(err))
	}
}
