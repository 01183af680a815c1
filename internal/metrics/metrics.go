// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded by ObserveDelivery.
const (
	DeliveryProcessed = "processed"
	DeliveryReclaimed = "reclaimed"
	DeliveryDuplicate = "duplicate"
	DeliveryInvariant = "invariant_violation"
)

var (
	crawlerDiscoveredURLsTotal           *prometheus.CounterVec
	crawlerFetchesTotal                  *prometheus.CounterVec
	crawlerTextBytesTotal                *prometheus.CounterVec
	crawlerChangeScore                   *prometheus.HistogramVec
	crawlerChangesPublishedTotal         prometheus.Counter
	crawlerQueueDeliveriesTotal          *prometheus.CounterVec
	httpRequestsTotal                    *prometheus.CounterVec
	httpRequestDurationSeconds           *prometheus.HistogramVec
	crawlerProbeTLSHandshakeTimeoutTotal prometheus.Counter
	crawlerActiveWorkers                 prometheus.Gauge
	crawlerRateLimitDelaysSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerDiscoveredURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_discovered_urls_total",
				Help: "Total number of URLs newly added to the frontier, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetches, labeled by site, kind and status.",
			},
			[]string{"site", "kind", "status"},
		)

		crawlerTextBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_text_bytes_total",
				Help: "Total bytes of extracted text, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerChangeScore = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_change_score",
				Help:    "Distribution of change scores between consecutive snapshots.",
				Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
			},
			[]string{"kind"},
		)

		crawlerChangesPublishedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_changes_published_total",
				Help: "Total number of change events published.",
			},
		)

		crawlerQueueDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_deliveries_total",
				Help: "Total number of dispatch queue deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDiscovered adds n newly discovered URLs for site.
func ObserveDiscovered(site string, n int) {
	if n <= 0 {
		return
	}
	crawlerDiscoveredURLsTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveFetch increments the fetch counter and the extracted text volume.
func ObserveFetch(site, kind, status string, textBytes int) {
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, kind, status).Inc()
	if textBytes > 0 {
		crawlerTextBytesTotal.WithLabelValues(sanitizedSite).Add(float64(textBytes))
	}
}

// ObserveChangeScore records a change score for the given fetch kind.
func ObserveChangeScore(kind string, score float64) {
	crawlerChangeScore.WithLabelValues(kind).Observe(score)
}

// ObserveChangePublished increments the published change event counter.
func ObserveChangePublished() {
	crawlerChangesPublishedTotal.Inc()
}

// ObserveDelivery increments the delivery counter for the given outcome.
func ObserveDelivery(outcome string) {
	crawlerQueueDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
