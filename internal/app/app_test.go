package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/app"
	"github.com/JakeFAU/delta-crawler/internal/config"
	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/discovery"
	memorypublisher "github.com/JakeFAU/delta-crawler/internal/publisher/memory"
)

func baseConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Frontier:  config.FrontierConfig{Backend: config.BackendMemory},
		Snapshots: config.SnapshotConfig{Backend: config.BackendMemory},
		Queue: config.QueueConfig{
			Backend:    config.BackendMemory,
			Visibility: time.Minute,
			Wait:       50 * time.Millisecond,
		},
		Fetch: config.FetchConfig{
			UserAgent:      "delta-crawler-test",
			TimeoutSeconds: 5,
			IgnoreRobots:   true,
			PDFMaxBytes:    1 << 20,
		},
		Render: config.RenderConfig{Backend: config.BackendStatic, MaxPages: 3, NextSelector: "a.pagination-next"},
		Worker: config.WorkerConfig{Concurrency: 2},
		Notify: config.NotifyConfig{Threshold: 0.1},
	}
}

func TestBuildMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := app.Build(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.NotNil(t, a.Frontier)
	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Snapshots)
	assert.NotNil(t, a.Queue)
	assert.NotNil(t, a.Renderer)
	assert.NotNil(t, a.Progress)
	assert.Contains(t, a.Fetchers, crawler.FetchKindPage)
	assert.Contains(t, a.Fetchers, crawler.FetchKindPDF)
	assert.IsType(t, &memorypublisher.Publisher{}, a.Publisher)
	assert.NotNil(t, a.OpsServer().Handler())
}

func TestBuildSQLiteAndFileBackends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Frontier.Backend = config.BackendSQLite
	cfg.Queue.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(dir, "crawl.db")
	cfg.Snapshots = config.SnapshotConfig{Backend: config.BackendLocal, LocalDir: filepath.Join(dir, "snapshots")}

	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg.Frontier = config.FrontierConfig{Backend: config.BackendFile, FileDir: filepath.Join(dir, "frontier")}
	a, err = app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := app.Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestSourceFromPreset(t *testing.T) {
	t.Parallel()

	a, err := app.Build(context.Background(), baseConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	listing := config.SiteConfig{
		BaseURL:      "https://arxiv.org",
		SearchURL:    "https://arxiv.org/search/?query={value}",
		PartitionKey: "query",
		HrefFilter:   "pdf",
		Paginate:     true,
	}
	src, partition := a.Source(listing, "ai")
	assert.Equal(t, crawler.Partition{Key: "query", Value: "ai"}, partition)
	rs, ok := src.(discovery.RenderSource)
	require.True(t, ok)
	assert.Equal(t, "https://arxiv.org/search/?query=ai", rs.StartURL)
	assert.Equal(t, 3, rs.MaxPages)

	explicit := config.SiteConfig{BaseURL: "https://ex.org", URLs: []string{"/a"}}
	src, partition = a.Source(explicit, "")
	assert.True(t, partition.IsZero())
	assert.Equal(t, discovery.ListSource{"/a"}, src)
}

func TestDiscoverEnqueueAndWork(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	for _, p := range []string{"/a", "/b"} {
		mux.HandleFunc(p, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<html><body><h1>page %s</h1><p>stable text</p></body></html>", p)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	a, err := app.Build(ctx, baseConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	engine, err := a.Discovery()
	require.NoError(t, err)
	site := config.SiteConfig{BaseURL: srv.URL, URLs: []string{srv.URL + "/a", "/b", "/a"}}
	src, partition := a.Source(site, "")
	n, err := engine.Discover(ctx, site.BaseURL, partition, src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queueName, err := a.IDs.NewQueueName()
	require.NoError(t, err)
	enqueued, err := a.Enqueuer().EnqueuePending(ctx, queueName, site.BaseURL, partition, crawler.FetchKindPage)
	require.NoError(t, err)
	assert.Equal(t, 2, enqueued)

	d, err := a.Dispatcher()
	require.NoError(t, err)
	require.NoError(t, d.Run(ctx, queueName, crawler.FetchKindPage))

	snap, err := a.Frontier.Snapshot(ctx)
	require.NoError(t, err)
	siteSnap, ok := snap.Site(srv.URL)
	require.True(t, ok)
	ps, ok := siteSnap.Partition(partition)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{srv.URL + "/a", srv.URL + "/b"}, ps.Completed)
	assert.Empty(t, ps.Pending)
	assert.Empty(t, ps.Failed)

	events := a.Publisher.(*memorypublisher.Publisher).Events()
	assert.Len(t, events, 2, "first fetch of each page scores 1.0")

	binding, err := a.Registry.Binding(ctx, queueName)
	require.NoError(t, err)
	assert.NotEmpty(t, binding.LastProcessedURL)
}
