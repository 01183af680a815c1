// Package queuetest holds the behavior every crawler.Queue backend must share.
package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Options describes backend differences the suite tolerates.
type Options struct {
	// RejectsStaleReceipt is set when Ack refuses a receipt superseded by a redelivery.
	RejectsStaleReceipt bool
	// Visibility is the hide period used by redelivery checks.
	Visibility time.Duration
}

// Run exercises a fresh queue from newQueue in each subtest.
func Run(t *testing.T, newQueue func(t *testing.T) crawler.Queue, opts Options) {
	t.Helper()
	if opts.Visibility <= 0 {
		opts.Visibility = 50 * time.Millisecond
	}
	const short = 20 * time.Millisecond
	ctx := context.Background()
	task := func(url string) crawler.Task {
		return crawler.Task{
			Site:      "https://ex.org",
			Partition: crawler.Partition{Key: "query", Value: "ai"},
			URL:       url,
			Kind:      crawler.FetchKindPDF,
		}
	}

	t.Run("undeclared", func(t *testing.T) {
		q := newQueue(t)
		err := q.Publish(ctx, "missing", task("https://ex.org/a"))
		assert.ErrorIs(t, err, crawler.ErrQueueNotDeclared)
		_, err = q.Receive(ctx, "missing", time.Second, short)
		assert.ErrorIs(t, err, crawler.ErrQueueNotDeclared)
	})

	t.Run("fifo and ack", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Declare(ctx, "q"))
		require.NoError(t, q.Declare(ctx, "q"), "declare is idempotent")
		require.NoError(t, q.Publish(ctx, "q", task("https://ex.org/a")))
		require.NoError(t, q.Publish(ctx, "q", task("https://ex.org/b")))

		first, err := q.Receive(ctx, "q", time.Minute, short)
		require.NoError(t, err)
		assert.Equal(t, task("https://ex.org/a"), first.Task)
		assert.Equal(t, "q", first.Queue)
		assert.Equal(t, 1, first.Attempt)

		second, err := q.Receive(ctx, "q", time.Minute, short)
		require.NoError(t, err)
		assert.Equal(t, "https://ex.org/b", second.Task.URL)

		require.NoError(t, q.Ack(ctx, first))
		require.NoError(t, q.Ack(ctx, second))
		assert.ErrorIs(t, q.Ack(ctx, first), crawler.ErrDeliveryExpired)

		_, err = q.Receive(ctx, "q", time.Minute, short)
		assert.ErrorIs(t, err, crawler.ErrQueueEmpty)
	})

	t.Run("depth counts unacked messages", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Depth(ctx, "missing")
		assert.ErrorIs(t, err, crawler.ErrQueueNotDeclared)

		require.NoError(t, q.Declare(ctx, "q"))
		depth, err := q.Depth(ctx, "q")
		require.NoError(t, err)
		assert.Zero(t, depth)

		require.NoError(t, q.Publish(ctx, "q", task("https://ex.org/a")))
		require.NoError(t, q.Publish(ctx, "q", task("https://ex.org/b")))
		d, err := q.Receive(ctx, "q", time.Minute, short)
		require.NoError(t, err)
		depth, err = q.Depth(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, 2, depth, "a hidden message still counts")

		require.NoError(t, q.Ack(ctx, d))
		depth, err = q.Depth(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("queues are isolated", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Declare(ctx, "one"))
		require.NoError(t, q.Declare(ctx, "two"))
		require.NoError(t, q.Publish(ctx, "one", task("https://ex.org/a")))

		_, err := q.Receive(ctx, "two", time.Minute, short)
		assert.ErrorIs(t, err, crawler.ErrQueueEmpty)
		d, err := q.Receive(ctx, "one", time.Minute, short)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, d))
	})

	t.Run("unacked message is redelivered", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Declare(ctx, "q"))
		require.NoError(t, q.Publish(ctx, "q", task("https://ex.org/a")))

		first, err := q.Receive(ctx, "q", opts.Visibility, short)
		require.NoError(t, err)

		_, err = q.Receive(ctx, "q", opts.Visibility, 0)
		assert.ErrorIs(t, err, crawler.ErrQueueEmpty, "hidden until the visibility timeout passes")

		time.Sleep(2 * opts.Visibility)
		again, err := q.Receive(ctx, "q", time.Minute, 2*opts.Visibility)
		require.NoError(t, err)
		assert.Equal(t, first.Task, again.Task)
		assert.Equal(t, 2, again.Attempt)

		if opts.RejectsStaleReceipt {
			assert.ErrorIs(t, q.Ack(ctx, first), crawler.ErrDeliveryExpired)
		}
		require.NoError(t, q.Ack(ctx, again))
		_, err = q.Receive(ctx, "q", time.Minute, short)
		assert.ErrorIs(t, err, crawler.ErrQueueEmpty)
	})

	t.Run("receive waits for publish", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Declare(ctx, "q"))
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = q.Publish(ctx, "q", task("https://ex.org/late"))
		}()
		d, err := q.Receive(ctx, "q", time.Minute, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "https://ex.org/late", d.Task.URL)
	})

	t.Run("receive honors cancellation", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Declare(ctx, "q"))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := q.Receive(cctx, "q", time.Minute, time.Second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, crawler.ErrQueueEmpty))
	})
}
