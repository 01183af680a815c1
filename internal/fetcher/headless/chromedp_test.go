package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

func TestNewChromedpValidatesConfig(t *testing.T) {
	t.Parallel()

	allocator, cancel := NewAllocator(AllocatorConfig{})
	defer cancel()

	_, err := NewChromedp(nil, Config{}) //nolint:staticcheck // nil allocator is the case under test
	require.Error(t, err)
	_, err = NewChromedp(allocator, Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(allocator, Config{MaxParallel: 2})
	require.NoError(t, err)
	require.NotNil(t, f.tabs)
	assert.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)
	assert.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)

	f, err = NewChromedp(allocator, Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	assert.Nil(t, f.tabs, "zero max parallel is unbounded")
	assert.Equal(t, time.Second, f.cfg.NavigationTimeout)
}

func TestFetchWaitsForFreeTab(t *testing.T) {
	t.Parallel()

	allocator, cancel := NewAllocator(AllocatorConfig{})
	defer cancel()
	f, err := NewChromedp(allocator, Config{MaxParallel: 1})
	require.NoError(t, err)
	require.True(t, f.tabs.TryAcquire(1))

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDocumentResponseKeepsFinalDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://example.com/old"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://cdn.example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": "a=1\nb=2"},
		},
	})
	doc.observe("not a network event")

	resp := doc.result("https://req", "https://location")
	assert.Equal(t, 203, resp.StatusCode)
	assert.Equal(t, "https://example.com/rendered", resp.URL)
	assert.Equal(t, "abc", resp.Headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Headers.Values("Set-Cookie"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	resp := (&documentResponse{}).result("https://req", "https://final")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://final", resp.URL)
	assert.NotNil(t, resp.Headers)

	resp = (&documentResponse{}).result("https://req", "")
	assert.Equal(t, "https://req", resp.URL)
}

func TestNetworkHeadersJoinsValues(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{"Accept": {"text/html", "application/pdf"}, "X-Empty": {}})
	assert.Equal(t, network.Headers{"Accept": "text/html, application/pdf"}, got)
	assert.Empty(t, networkHeaders(nil))
}

func TestHTTPHeadersAcceptsLists(t *testing.T) {
	t.Parallel()

	got := httpHeaders(network.Headers{"Vary": []any{"Accept", "Origin"}, "Age": 12})
	assert.Equal(t, []string{"Accept", "Origin"}, got.Values("Vary"))
	assert.Equal(t, "12", got.Get("Age"))
}
