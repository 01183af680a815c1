package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/metrics"
)

const (
	reasonTLSHandshake = "TLS handshake timeout"
	allowAllRobots     = "User-agent: *\nAllow: /"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport intercepts robots.txt lookups. A site whose robots.txt
// times out or answers 5xx is fetched as if it allowed everything, and every
// fetch from that host is flagged indeterminate so the caller can log it.
// Colly caches robots.txt per host, so the outcome is kept per host as well.
type robotsAwareTransport struct {
	base    http.RoundTripper
	backoff []time.Duration

	mu    sync.Mutex
	hosts map[string]*robotsProbeState
}

func newRobotsAwareTransport(base http.RoundTripper) *robotsAwareTransport {
	return &robotsAwareTransport{
		base:    base,
		backoff: defaultRobotsBackoff,
		hosts:   make(map[string]*robotsProbeState),
	}
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	return t.stateFor(req.URL.Host).lookup(req, t.base, t.backoff)
}

// stateFor returns the probe state of host, creating it on first use.
func (t *robotsAwareTransport) stateFor(host string) *robotsProbeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.hosts[host]
	if !ok {
		s = &robotsProbeState{}
		t.hosts[host] = s
	}
	return s
}

// apply copies the robots outcome of the fetched URL's host onto resp.
func (t *robotsAwareTransport) apply(host string, resp *crawler.FetchResponse) {
	if t == nil {
		return
	}
	t.mu.Lock()
	s := t.hosts[host]
	t.mu.Unlock()
	s.apply(resp)
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

// robotsProbeState remembers how robots.txt of one host was resolved.
type robotsProbeState struct {
	mu     sync.Mutex
	status crawler.RobotsStatus
	reason string
}

func (s *robotsProbeState) apply(resp *crawler.FetchResponse) {
	if s == nil || resp == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == crawler.RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus = s.status
	resp.RobotsReason = s.reason
}

func (s *robotsProbeState) lookup(req *http.Request, base http.RoundTripper, backoff []time.Duration) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			if resp.StatusCode >= http.StatusInternalServerError {
				drain(resp)
				s.markIndeterminate(fmt.Sprintf("robots.txt returned status %d", resp.StatusCode))
				return allowAll(req), nil
			}
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots lookup: %w", err)
		}
		if attempt >= len(backoff) {
			s.markIndeterminate(reasonTLSHandshake)
			metrics.ObserveProbeTLSHandshakeTimeout()
			return allowAll(req), nil
		}
		if err := sleepWithContext(req.Context(), backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (s *robotsProbeState) markIndeterminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == crawler.RobotsStatusIndeterminate {
		return
	}
	s.status = crawler.RobotsStatusIndeterminate
	s.reason = reason
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
