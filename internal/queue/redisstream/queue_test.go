package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/queue/queuetest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestQueueConformance(t *testing.T) {
	t.Parallel()
	queuetest.Run(t, func(t *testing.T) crawler.Queue {
		_, client := newClient(t)
		q, err := New(client, Config{ConsumerID: "w1"})
		require.NoError(t, err)
		return q
	}, queuetest.Options{Visibility: 100 * time.Millisecond})
}

func TestAnotherConsumerReclaimsAbandonedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := newClient(t)

	crashed, err := New(client, Config{ConsumerID: "crashed"})
	require.NoError(t, err)
	survivor, err := New(client, Config{ConsumerID: "survivor"})
	require.NoError(t, err)

	require.NoError(t, crashed.Declare(ctx, "q"))
	require.NoError(t, crashed.Publish(ctx, "q", crawler.Task{URL: "https://ex.org/a"}))
	_, err = crashed.Receive(ctx, "q", 50*time.Millisecond, 0)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	d, err := survivor.Receive(ctx, "q", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://ex.org/a", d.Task.URL)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, survivor.Ack(ctx, d))
}

func TestStreamKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, client := newClient(t)
	q, err := New(client, Config{Prefix: "crawl"})
	require.NoError(t, err)

	require.NoError(t, q.Declare(ctx, "url_queue_1"))
	require.NoError(t, q.Publish(ctx, "url_queue_1", crawler.Task{URL: "https://ex.org/a"}))
	assert.True(t, srv.Exists("crawl:queue:url_queue_1"))
	members, err := srv.Members("crawl:queues")
	require.NoError(t, err)
	assert.Equal(t, []string{"url_queue_1"}, members)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{})
	require.Error(t, err)
}
