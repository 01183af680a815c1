// Package dispatcher moves pending frontier URLs onto dispatch queues and
// fans queue work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/progress"
)

// Consume yields deliveries from the named queue until a Receive reports the
// queue empty after waiting, or fails. The failure is yielded once and ends
// the sequence. Breaking out of the loop stops receiving; the delivery in hand
// stays unacknowledged and is redelivered after visibility.
func Consume(ctx context.Context, q crawler.Queue, name string, visibility, wait time.Duration) iter.Seq2[crawler.Delivery, error] {
	return func(yield func(crawler.Delivery, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(crawler.Delivery{}, fmt.Errorf("consume %s: %w", name, err))
				return
			}
			d, err := q.Receive(ctx, name, visibility, wait)
			if errors.Is(err, crawler.ErrQueueEmpty) {
				return
			}
			if err != nil {
				yield(crawler.Delivery{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// Runner drains one queue with the fetcher for kind.
type Runner interface {
	Run(ctx context.Context, queueName string, kind crawler.FetchKind) error
}

// Dispatcher runs a fixed set of Runners against one queue.
type Dispatcher struct {
	runners  []Runner
	logger   *zap.Logger
	progress progress.Emitter
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProgress reports drain milestones to e.
func WithProgress(e progress.Emitter) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.progress = e
		}
	}
}

// WithClock overrides the clock used to time drains.
func WithClock(c crawler.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.now = c.Now
		}
	}
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		runners:  runners,
		logger:   logger,
		progress: progress.Discard,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts every runner on queueName and waits for all of them. The first
// runner error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context, queueName string, kind crawler.FetchKind) error {
	if len(d.runners) == 0 {
		return fmt.Errorf("no workers configured")
	}
	runID := progress.UUIDToBytes(uuid.New())
	started := d.now()
	d.progress.Emit(progress.Event{
		RunID: runID, TS: started, Stage: progress.StageDrainStart, Queue: queueName, Kind: string(kind),
	})
	d.logger.Info("dispatching",
		zap.String("queue", queueName),
		zap.String("kind", string(kind)),
		zap.Int("workers", len(d.runners)),
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		g.Go(func() error {
			return r.Run(gctx, queueName, kind)
		})
	}
	err := g.Wait()

	finished := progress.Event{
		RunID: runID, TS: d.now(), Queue: queueName, Kind: string(kind), Stage: progress.StageDrainDone,
	}
	finished.Dur = max(finished.TS.Sub(started), 0)
	switch {
	case err != nil:
		finished.Stage = progress.StageDrainError
		finished.Note = err.Error()
	case ctx.Err() != nil:
		finished.Stage = progress.StageDrainInterrupted
	}
	d.progress.Emit(finished)
	if err != nil {
		return fmt.Errorf("workers on %s: %w", queueName, err)
	}
	return nil
}

// Enqueuer publishes a partition's pending URLs to a dispatch queue and
// records the binding.
type Enqueuer struct {
	frontier crawler.FrontierStore
	registry crawler.QueueRegistry
	queue    crawler.Queue
	logger   *zap.Logger
}

// NewEnqueuer builds an Enqueuer.
func NewEnqueuer(
	frontier crawler.FrontierStore,
	registry crawler.QueueRegistry,
	queue crawler.Queue,
	logger *zap.Logger,
) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{frontier: frontier, registry: registry, queue: queue, logger: logger}
}

// EnqueuePending declares queueName, binds it to the partition, and publishes
// every pending URL. It returns the number of published tasks. Publishing the
// same URL twice is harmless: the second delivery finds it no longer pending.
func (e *Enqueuer) EnqueuePending(
	ctx context.Context,
	queueName, site string,
	partition crawler.Partition,
	kind crawler.FetchKind,
) (int, error) {
	if err := e.queue.Declare(ctx, queueName); err != nil {
		return 0, fmt.Errorf("declare %s: %w", queueName, err)
	}
	binding, err := e.registry.Binding(ctx, queueName)
	switch {
	case errors.Is(err, crawler.ErrBindingNotFound):
		binding = crawler.QueueBinding{Name: queueName, Site: site, Partition: partition, Kind: kind}
	case err != nil:
		return 0, err
	case binding.Site != site || binding.Partition != partition:
		return 0, fmt.Errorf("queue %s is bound to %s[%s]", queueName, binding.Site, binding.Partition)
	}
	binding.Status = crawler.QueueStatusActive
	if err := e.registry.PutBinding(ctx, binding); err != nil {
		return 0, err
	}

	pending, err := e.frontier.ListPending(ctx, site, partition)
	if err != nil {
		return 0, err
	}
	for i, url := range pending {
		task := crawler.Task{Site: site, Partition: partition, URL: url, Kind: kind}
		if err := e.queue.Publish(ctx, queueName, task); err != nil {
			return i, fmt.Errorf("publish %s: %w", url, err)
		}
	}
	e.logger.Info("pending urls enqueued",
		zap.String("queue", queueName),
		zap.String("site", site),
		zap.String("partition", partition.String()),
		zap.Int("count", len(pending)),
	)
	return len(pending), nil
}

// MarkDrained flags the binding as drained once its workers found the queue empty.
func (e *Enqueuer) MarkDrained(ctx context.Context, queueName string) error {
	binding, err := e.registry.Binding(ctx, queueName)
	if err != nil {
		return err
	}
	binding.Status = crawler.QueueStatusDrained
	return e.registry.PutBinding(ctx, binding)
}
