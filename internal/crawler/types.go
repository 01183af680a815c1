package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// Partition is the optional subsite dimension of a Site, e.g. query=ai.
// The zero value means the site is crawled as a single flat URL set.
type Partition struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// IsZero reports whether the partition is unset.
func (p Partition) IsZero() bool {
	return p.Key == "" && p.Value == ""
}

// String renders the partition as key=value, or an empty string when unset.
func (p Partition) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s=%s", p.Key, p.Value)
}

// URLState is the frontier set a URL currently belongs to.
type URLState string

// URL states. InFlight marks URLs taken for dispatch but not yet finalized.
const (
	StateUnknown   URLState = ""
	StatePending   URLState = "pending"
	StateInFlight  URLState = "inflight"
	StateCompleted URLState = "completed"
	StateFailed    URLState = "failed"
)

// Valid reports whether s is one of the persisted states.
func (s URLState) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Site is the handle returned by RegisterSite.
type Site struct {
	BaseURL      string    `json:"base_url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Frontier is a read-only view of every site, partition, and URL set.
type Frontier struct {
	Sites []SiteSnapshot `json:"sites"`
}

// SiteSnapshot captures one site and its partitions.
type SiteSnapshot struct {
	Site       Site                `json:"site"`
	Partitions []PartitionSnapshot `json:"partitions"`
}

// PartitionSnapshot lists the URLs of one partition, grouped by state.
type PartitionSnapshot struct {
	Partition Partition `json:"partition"`
	Pending   []string  `json:"pending"`
	InFlight  []string  `json:"in_flight"`
	Completed []string  `json:"completed"`
	Failed    []string  `json:"failed"`
}

// Counts summarizes a partition snapshot.
func (p PartitionSnapshot) Counts() map[URLState]int {
	return map[URLState]int{
		StatePending:   len(p.Pending),
		StateInFlight:  len(p.InFlight),
		StateCompleted: len(p.Completed),
		StateFailed:    len(p.Failed),
	}
}

// Site returns the snapshot for baseURL, if present.
func (f Frontier) Site(baseURL string) (SiteSnapshot, bool) {
	for _, s := range f.Sites {
		if s.Site.BaseURL == baseURL {
			return s, true
		}
	}
	return SiteSnapshot{}, false
}

// Partition returns the snapshot for p, if present.
func (s SiteSnapshot) Partition(p Partition) (PartitionSnapshot, bool) {
	for _, ps := range s.Partitions {
		if ps.Partition == p {
			return ps, true
		}
	}
	return PartitionSnapshot{}, false
}

// FetchKind selects the fetch collaborator used for a task.
type FetchKind string

// Fetch kinds.
const (
	FetchKindPage FetchKind = "page"
	FetchKindPDF  FetchKind = "pdf"
)

// ParseFetchKind validates a configured or CLI supplied kind.
func ParseFetchKind(raw string) (FetchKind, error) {
	switch FetchKind(raw) {
	case FetchKindPage, FetchKindPDF:
		return FetchKind(raw), nil
	default:
		return "", fmt.Errorf("unknown fetch kind %q (want page or pdf)", raw)
	}
}

// Task is the dispatch queue payload: one URL of one partition.
type Task struct {
	Site      string    `json:"site"`
	Partition Partition `json:"partition"`
	URL       string    `json:"url"`
	Kind      FetchKind `json:"kind"`
}

// Delivery is a received task plus the handle needed to acknowledge it.
type Delivery struct {
	Queue   string
	Task    Task
	Receipt string
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// QueueStatus tracks a dispatch queue binding lifecycle.
type QueueStatus string

// Queue binding states.
const (
	QueueStatusActive  QueueStatus = "active"
	QueueStatusDrained QueueStatus = "drained"
)

// QueueBinding records which partition a named dispatch queue serves.
type QueueBinding struct {
	Name             string      `json:"name"`
	Site             string      `json:"site"`
	Partition        Partition   `json:"partition"`
	Kind             FetchKind   `json:"kind"`
	Status           QueueStatus `json:"status"`
	LastProcessedURL string      `json:"last_processed_url,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// RobotsStatus records how robots.txt was resolved for a fetch.
type RobotsStatus string

// Robots statuses. Indeterminate means robots.txt could not be read and the
// fetch proceeded as if everything were allowed.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// FetchResponse stores the raw result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// ChangeEvent is published when a refetched resource drifts past the notify threshold.
type ChangeEvent struct {
	Site        string    `json:"site"`
	Partition   Partition `json:"partition"`
	URL         string    `json:"url"`
	ResourceKey string    `json:"resource_key"`
	ChangeScore float64   `json:"change_score"`
	DetectedAt  time.Time `json:"detected_at"`
}
