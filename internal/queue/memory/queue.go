// Package memory provides an in-process dispatch queue for local runs and tests.
// Messages live only as long as the process.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

type message struct {
	id        uint64
	task      crawler.Task
	visibleAt time.Time
	attempts  int
}

// Queue is a set of named FIFO queues with visibility timeouts.
type Queue struct {
	mu      sync.Mutex
	queues  map[string][]*message
	nextID  uint64
	changed chan struct{}
	now     func() time.Time
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue returns an empty queue set.
func NewQueue() *Queue {
	return &Queue{
		queues:  make(map[string][]*message),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Declare creates the named queue if it does not exist.
func (q *Queue) Declare(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		q.queues[name] = nil
	}
	return nil
}

// Publish appends task to the named queue.
func (q *Queue) Publish(ctx context.Context, name string, task crawler.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, ok := q.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, name)
	}
	q.nextID++
	q.queues[name] = append(msgs, &message{id: q.nextID, task: task, visibleAt: q.now()})
	q.broadcast()
	return nil
}

// Receive returns the oldest visible message and hides it for visibility.
func (q *Queue) Receive(ctx context.Context, name string, visibility, wait time.Duration) (crawler.Delivery, error) {
	deadline := q.now().Add(wait)
	for {
		q.mu.Lock()
		msgs, ok := q.queues[name]
		if !ok {
			q.mu.Unlock()
			return crawler.Delivery{}, fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, name)
		}
		now := q.now()
		wake := deadline
		for _, m := range msgs {
			if !m.visibleAt.After(now) {
				m.attempts++
				m.visibleAt = now.Add(visibility)
				q.mu.Unlock()
				return crawler.Delivery{
					Queue:   name,
					Task:    m.task,
					Receipt: receipt(m.id, m.attempts),
					Attempt: m.attempts,
				}, nil
			}
			if m.visibleAt.Before(wake) {
				wake = m.visibleAt
			}
		}
		changed := q.changed
		q.mu.Unlock()

		if !now.Before(deadline) {
			return crawler.Delivery{}, crawler.ErrQueueEmpty
		}
		timer := time.NewTimer(wake.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack deletes the delivered message. A receipt superseded by a redelivery
// returns crawler.ErrDeliveryExpired.
func (q *Queue) Ack(_ context.Context, d crawler.Delivery) error {
	id, attempt, err := parseReceipt(d.Receipt)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, ok := q.queues[d.Queue]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, d.Queue)
	}
	for i, m := range msgs {
		if m.id != id {
			continue
		}
		if m.attempts != attempt {
			break
		}
		q.queues[d.Queue] = append(msgs[:i:i], msgs[i+1:]...)
		return nil
	}
	return crawler.ErrDeliveryExpired
}

// Depth reports how many messages, visible or not, the named queue holds.
func (q *Queue) Depth(_ context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, ok := q.queues[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, name)
	}
	return len(msgs), nil
}

func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func receipt(id uint64, attempt int) string {
	return strconv.FormatUint(id, 10) + "." + strconv.Itoa(attempt)
}

func parseReceipt(r string) (uint64, int, error) {
	idPart, attemptPart, ok := strings.Cut(r, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed receipt %q", r)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", r, err)
	}
	attempt, err := strconv.Atoi(attemptPart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", r, err)
	}
	return id, attempt, nil
}
