package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/config"
	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rt := &runtime{}
	cmd := newRootCmd(rt)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, rt.close(context.Background()))
	return out.String(), err
}

func writeConfig(t *testing.T, siteURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
logging:
  development: false
  level: error
frontier:
  backend: file
  file_dir: %[1]s/frontier
snapshots:
  backend: local
  local_dir: %[1]s/snapshots
queue:
  backend: sqlite
  visibility: 1m
  wait: 100ms
  poll_interval: 10ms
sqlite:
  path: %[1]s/crawl.db
fetch:
  ignore_robots: true
  rps: 0
worker:
  concurrency: 2
sites:
  blog:
    base_url: %[2]s
    urls: ["%[2]s/a", "/b"]
`, dir, siteURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCLILifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>alpha</p></body></html>")
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>beta</p></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, srv.URL)

	out, err := runCLI(t, "discover", "--config", cfgPath, "--site", "blog")
	require.NoError(t, err)
	assert.Contains(t, out, srv.URL+": 2 new urls")

	out, err = runCLI(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Regexp(t, `-\s+2\s+0\s+0\s+0`, out)

	out, err = runCLI(t, "run", "--config", cfgPath, "--site", "blog")
	require.NoError(t, err)
	assert.Contains(t, out, srv.URL+": 0 new urls")
	assert.Contains(t, out, "2 pending urls on url_queue_")
	assert.Contains(t, out, "drained")

	out, err = runCLI(t, "status", "--config", cfgPath, "--site", srv.URL)
	require.NoError(t, err)
	assert.Regexp(t, `-\s+0\s+0\s+2\s+0`, out)

	out, err = runCLI(t, "queues", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "url_queue_")
	assert.Contains(t, out, "LAST PROCESSED")
	assert.Regexp(t, `drained\s+0\s+`+regexp.QuoteMeta(srv.URL)+`/[ab]`, out, "drained queue is empty")

	_, err = runCLI(t, "requeue", "--config", cfgPath, "--site", srv.URL)
	require.ErrorContains(t, err, "nothing to requeue")

	_, err = runCLI(t, "requeue", "--config", cfgPath, "--site", srv.URL, srv.URL+"/a")
	require.Error(t, err, "completed urls are not requeued")

	out, err = runCLI(t, "purge", "--config", cfgPath, "--site", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "purged")

	out, err = runCLI(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, out, srv.URL)
}

func TestCLIRunDrainsPartitionsThatDiscovered(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "broken" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/paper/1">one</a></body></html>`)
	})
	mux.HandleFunc("/paper/1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>paper</p></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfgPath := writeConfig(t, srv.URL)
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, `  search:
    base_url: %[1]s
    search_url: %[1]s/search?q={value}
    partition_key: query
    partitions: [broken, ai]
    href_filter: /paper/
`, srv.URL)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := runCLI(t, "run", "--config", cfgPath, "--site", "search")
	require.Error(t, err)
	assert.True(t, crawler.IsDiscoveryFailure(err))
	assert.Contains(t, err.Error(), "query=broken")
	assert.Contains(t, out, "1 pending urls on url_queue_")
	assert.Contains(t, out, "drained")

	out, err = runCLI(t, "status", "--config", cfgPath, "--site", srv.URL)
	require.NoError(t, err)
	assert.Regexp(t, `query=ai\s+0\s+0\s+1\s+0`, out)
}

func TestCLIRequiresFlags(t *testing.T) {
	_, err := runCLI(t, "discover")
	require.Error(t, err)

	_, err = runCLI(t, "work", "--queue", "url_queue_missing")
	require.ErrorContains(t, err, "pass --kind")
}

func TestParsePartition(t *testing.T) {
	t.Parallel()

	p, err := parsePartition("query=ai")
	require.NoError(t, err)
	assert.Equal(t, crawler.Partition{Key: "query", Value: "ai"}, p)

	p, err = parsePartition("")
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	_, err = parsePartition("query")
	require.Error(t, err)
}

func TestPartitionValues(t *testing.T) {
	t.Parallel()

	flat := config.SiteConfig{BaseURL: "https://ex.org", URLs: []string{"/a"}}
	values, err := partitionValues(flat, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, values)
	_, err = partitionValues(flat, []string{"ai"})
	require.Error(t, err)

	preset := config.SiteConfig{PartitionKey: "query", Partitions: []string{"ai", "ml"}}
	values, err = partitionValues(preset, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai", "ml"}, values)
	values, err = partitionValues(preset, []string{"cv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cv"}, values)

	_, err = partitionValues(config.SiteConfig{PartitionKey: "query"}, nil)
	require.Error(t, err)
}
