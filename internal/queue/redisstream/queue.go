// Package redisstream implements the dispatch queue on Redis Streams with one
// consumer group per queue, so workers on many hosts can share a crawl.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const (
	defaultPrefix = "deltacrawler"
	consumerGroup = "workers"

	taskField       = "task"
	enqueuedAtField = "enqueued_at"

	// maxPendingCheck bounds how many pending entries one Receive inspects.
	maxPendingCheck = 100
)

// Config names the keys and this process's consumer.
type Config struct {
	Prefix     string
	ConsumerID string
}

// Queue is a crawler.Queue on Redis Streams. Receipts are stream entry IDs.
// A redelivered entry keeps its ID, so an old receipt still acknowledges it.
// The hide deadline of every delivered entry is kept in a hash next to the
// stream because consumer groups only track idle time.
type Queue struct {
	client   redis.UniversalClient
	prefix   string
	consumer string
}

var _ crawler.Queue = (*Queue)(nil)

// New wraps client. An empty ConsumerID is derived from the hostname.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	consumer := cfg.ConsumerID
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Queue{client: client, prefix: prefix, consumer: consumer}, nil
}

func (q *Queue) stream(name string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, name)
}

func (q *Queue) deadlines(name string) string {
	return fmt.Sprintf("%s:visible_at:%s", q.prefix, name)
}

func (q *Queue) registry() string {
	return q.prefix + ":queues"
}

// Declare creates the stream and its consumer group.
func (q *Queue) Declare(ctx context.Context, name string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream(name), consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return crawler.NewStorageError("declare queue", err)
	}
	if err := q.client.SAdd(ctx, q.registry(), name).Err(); err != nil {
		return crawler.NewStorageError("declare queue", err)
	}
	return nil
}

// Publish appends task to the stream.
func (q *Queue) Publish(ctx context.Context, name string, task crawler.Task) error {
	if err := q.requireQueue(ctx, name); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(name),
		Values: map[string]any{
			taskField:       string(payload),
			enqueuedAtField: time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return crawler.NewStorageError("publish", err)
	}
	return nil
}

// Receive first reclaims an entry whose hide deadline passed without an ack,
// then reads a new entry, blocking up to wait.
func (q *Queue) Receive(ctx context.Context, name string, visibility, wait time.Duration) (crawler.Delivery, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return crawler.Delivery{}, err
	}
	if d, ok, err := q.reclaim(ctx, name, visibility); err != nil || ok {
		return d, err
	}

	block := wait
	if block < time.Millisecond {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{q.stream(name), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		if ctx.Err() != nil {
			return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
		return crawler.Delivery{}, crawler.NewStorageError("receive", err)
	default:
		for _, s := range streams {
			for _, msg := range s.Messages {
				return q.deliver(ctx, name, msg, 1, visibility)
			}
		}
	}

	// Entries may have timed out while this call was blocked.
	if d, ok, err := q.reclaim(ctx, name, visibility); err != nil || ok {
		return d, err
	}
	return crawler.Delivery{}, crawler.ErrQueueEmpty
}

func (q *Queue) reclaim(ctx context.Context, name string, visibility time.Duration) (crawler.Delivery, bool, error) {
	stream := q.stream(name)
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return crawler.Delivery{}, false, crawler.NewStorageError("list pending", err)
	}
	if len(pending) == 0 {
		return crawler.Delivery{}, false, nil
	}
	ids := make([]string, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}
	visibleAt, err := q.client.HMGet(ctx, q.deadlines(name), ids...).Result()
	if err != nil {
		return crawler.Delivery{}, false, crawler.NewStorageError("load deadlines", err)
	}

	now := time.Now()
	for i, entry := range pending {
		if !due(now, visibleAt[i], entry.Idle, visibility) {
			continue
		}
		// MinIdle fails the claim if another consumer touched the entry since XPENDING.
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    consumerGroup,
			Consumer: q.consumer,
			MinIdle:  entry.Idle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			return crawler.Delivery{}, false, crawler.NewStorageError("claim pending", err)
		}
		if len(claimed) == 0 {
			continue
		}
		d, err := q.deliver(ctx, name, claimed[0], int(entry.RetryCount)+1, visibility)
		return d, err == nil, err
	}
	return crawler.Delivery{}, false, nil
}

// due reports whether a pending entry's hide deadline has passed. Entries
// without a recorded deadline fall back to their idle time.
func due(now time.Time, visibleAt any, idle, visibility time.Duration) bool {
	if raw, ok := visibleAt.(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return !now.Before(time.UnixMilli(ms))
		}
	}
	return idle >= visibility
}

func (q *Queue) deliver(ctx context.Context, name string, msg redis.XMessage, attempt int, visibility time.Duration) (crawler.Delivery, error) {
	deadline := time.Now().Add(visibility).UnixMilli()
	if err := q.client.HSet(ctx, q.deadlines(name), msg.ID, deadline).Err(); err != nil {
		return crawler.Delivery{}, crawler.NewStorageError("record deadline", err)
	}
	return q.delivery(name, msg, attempt)
}

func (q *Queue) delivery(name string, msg redis.XMessage, attempt int) (crawler.Delivery, error) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		return crawler.Delivery{}, fmt.Errorf("entry %s has no task field", msg.ID)
	}
	var task crawler.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return crawler.Delivery{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return crawler.Delivery{Queue: name, Task: task, Receipt: msg.ID, Attempt: attempt}, nil
}

// Ack acknowledges and deletes the entry.
func (q *Queue) Ack(ctx context.Context, d crawler.Delivery) error {
	stream := q.stream(d.Queue)
	n, err := q.client.XAck(ctx, stream, consumerGroup, d.Receipt).Result()
	if err != nil {
		return crawler.NewStorageError("ack", err)
	}
	if n == 0 {
		return crawler.ErrDeliveryExpired
	}
	if err := q.client.XDel(ctx, stream, d.Receipt).Err(); err != nil {
		return crawler.NewStorageError("delete acked entry", err)
	}
	if err := q.client.HDel(ctx, q.deadlines(d.Queue), d.Receipt).Err(); err != nil {
		return crawler.NewStorageError("clear deadline", err)
	}
	return nil
}

// Depth returns the stream length. Acked entries are deleted, so this counts
// pending and unacknowledged messages.
func (q *Queue) Depth(ctx context.Context, name string) (int, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return 0, err
	}
	n, err := q.client.XLen(ctx, q.stream(name)).Result()
	if err != nil {
		return 0, crawler.NewStorageError("queue depth", err)
	}
	return int(n), nil
}

func (q *Queue) requireQueue(ctx context.Context, name string) error {
	ok, err := q.client.SIsMember(ctx, q.registry(), name).Result()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("queue lookup canceled: %w", ctx.Err())
		}
		return crawler.NewStorageError("lookup queue", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, name)
	}
	return nil
}
