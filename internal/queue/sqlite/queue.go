// Package sqlite provides a durable dispatch queue in the same SQLite
// database as the frontier, for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/database"
)

const defaultPollInterval = 100 * time.Millisecond

//go:embed migrations/*.sql
var migrationFiles embed.FS

var migrations = database.Migrations{FS: migrationFiles, Dir: "migrations", Table: "queue_schema_migrations"}

// Config tunes polling.
type Config struct {
	// PollInterval is how often an idle Receive rechecks the table.
	PollInterval time.Duration
}

// Queue is a crawler.Queue whose messages are rows. A publish is committed
// before it returns.
type Queue struct {
	db   *sql.DB
	poll time.Duration
	now  func() time.Time
}

var _ crawler.Queue = (*Queue)(nil)

// New migrates the queue tables and returns a Queue.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := database.MigrateSQLite(db, migrations); err != nil {
		return nil, crawler.NewStorageError("migrate queue", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{db: db, poll: poll, now: time.Now}, nil
}

// Declare records the queue name.
func (q *Queue) Declare(ctx context.Context, name string) error {
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO queues (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, q.now().UnixNano(),
	); err != nil {
		return crawler.NewStorageError("declare queue", err)
	}
	return nil
}

// Publish inserts task as an immediately visible message.
func (q *Queue) Publish(ctx context.Context, name string, task crawler.Task) error {
	if err := q.requireQueue(ctx, name); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	now := q.now().UnixNano()
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, task, visible_at, enqueued_at) VALUES (?, ?, ?, ?)`,
		name, string(payload), now, now,
	); err != nil {
		return crawler.NewStorageError("publish", err)
	}
	return nil
}

// Receive claims the oldest visible message, polling until wait elapses.
func (q *Queue) Receive(ctx context.Context, name string, visibility, wait time.Duration) (crawler.Delivery, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return crawler.Delivery{}, err
	}
	deadline := q.now().Add(wait)
	for {
		d, ok, err := q.claim(ctx, name, visibility)
		if err != nil || ok {
			return d, err
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return crawler.Delivery{}, crawler.ErrQueueEmpty
		}
		timer := time.NewTimer(min(remaining, q.poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, name string, visibility time.Duration) (crawler.Delivery, bool, error) {
	now := q.now()
	receipt := uuid.NewString()
	var (
		payload  string
		attempts int
	)
	err := q.db.QueryRowContext(ctx, `
UPDATE queue_messages
   SET visible_at = ?, receipt = ?, attempts = attempts + 1
 WHERE id = (SELECT id FROM queue_messages
              WHERE queue = ? AND visible_at <= ?
              ORDER BY id LIMIT 1)
RETURNING task, attempts`,
		now.Add(visibility).UnixNano(), receipt, name, now.UnixNano(),
	).Scan(&payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Delivery{}, false, nil
	}
	if err != nil {
		return crawler.Delivery{}, false, crawler.NewStorageError("receive", err)
	}
	var task crawler.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return crawler.Delivery{}, false, fmt.Errorf("decode task: %w", err)
	}
	return crawler.Delivery{Queue: name, Task: task, Receipt: receipt, Attempt: attempts}, true, nil
}

// Ack deletes the message if receipt is still its latest delivery.
func (q *Queue) Ack(ctx context.Context, d crawler.Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND receipt = ?`, d.Queue, d.Receipt)
	if err != nil {
		return crawler.NewStorageError("ack", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.NewStorageError("ack", err)
	}
	if n == 0 {
		return crawler.ErrDeliveryExpired
	}
	return nil
}

// Depth returns the number of messages held by the named queue.
func (q *Queue) Depth(ctx context.Context, name string) (int, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return 0, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, name,
	).Scan(&n); err != nil {
		return 0, crawler.NewStorageError("queue depth", err)
	}
	return n, nil
}

func (q *Queue) requireQueue(ctx context.Context, name string) error {
	var exists int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM queues WHERE name = ?`, name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", crawler.ErrQueueNotDeclared, name)
	}
	if err != nil {
		return crawler.NewStorageError("lookup queue", err)
	}
	return nil
}
