package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

func TestCollectorInheritsBaseSettings(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "delta-agent", Timeout: time.Second, MaxBodySize: 64})
	ctx := context.WithValue(context.Background(), struct{}{}, "visit")
	c := f.collector(ctx, &visit{request: crawler.FetchRequest{URL: "https://example.com"}})

	assert.Equal(t, "delta-agent", c.UserAgent)
	assert.True(t, c.IgnoreRobotsTxt)
	assert.True(t, c.AllowURLRevisit)
	assert.Equal(t, 64, c.MaxBodySize)
	assert.Equal(t, ctx, c.Context)
	assert.Nil(t, f.robots)

	assert.NotNil(t, New(Config{RespectRobots: true}).robots)
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>" + r.Header.Get("X-Trace") + "</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "test-agent"})
	// The same URL twice: revisits must not be filtered.
	for range 2 {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
			URL:     srv.URL + "/page",
			Headers: http.Header{"X-Trace": {"yes"}},
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "yes")
	}

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	assert.True(t, crawler.IsFetchFailure(err), "404 should be a fetch failure, got %v", err)
}

func TestFetchFlagsIndeterminateRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/doc"})
	require.NoError(t, err)
	assert.Equal(t, crawler.RobotsStatusIndeterminate, resp.RobotsStatus)
	assert.Contains(t, resp.RobotsReason, "502")
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	v := &visit{
		request: crawler.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}},
		start:   time.Now(),
	}
	hooks := &stubHooks{}
	v.hook(hooks)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	assert.Equal(t, http.StatusCreated, v.resp.StatusCode)
	assert.Equal(t, "body", string(v.resp.Body))
	assert.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))
	assert.Equal(t, "https://example.com/final", v.resp.URL)

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, v.err, "boom")
	hooks.onError(&colly.Response{StatusCode: http.StatusTeapot}, errors.New("teapot"))
	assert.True(t, strings.HasPrefix(v.err.Error(), "status 418"))
}

func TestVisitHooksWithoutHeaders(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	(&visit{}).hook(hooks)
	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Empty(t, *collyReq.Headers)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: time.Minute}).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
