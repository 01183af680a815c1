package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/queue/queuetest"
)

func TestQueueConformance(t *testing.T) {
	t.Parallel()
	queuetest.Run(t, func(*testing.T) crawler.Queue { return NewQueue() }, queuetest.Options{RejectsStaleReceipt: true})
}

func TestAckRejectsMalformedReceipt(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	require.NoError(t, q.Declare(context.Background(), "q"))
	assert.Error(t, q.Ack(context.Background(), crawler.Delivery{Queue: "q", Receipt: "nope"}))
}

func TestDepthCountsHiddenMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Declare(ctx, "q"))
	require.NoError(t, q.Publish(ctx, "q", crawler.Task{URL: "https://ex.org/a"}))

	d, err := q.Receive(ctx, "q", time.Minute, 0)
	require.NoError(t, err)
	depth, err := q.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	require.NoError(t, q.Ack(ctx, d))
	depth, err = q.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, depth)
}
