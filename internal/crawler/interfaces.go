package crawler

import (
	"context"
	"time"
)

// FrontierStore owns the pending/completed/failed sets of every partition.
// Every mutating call is durable before it returns.
type FrontierStore interface {
	RegisterSite(ctx context.Context, baseURL string) (Site, error)
	// MarkSeen inserts url into pending and returns true only on first sight.
	MarkSeen(ctx context.Context, site string, partition Partition, url string) (bool, error)
	// TakePending moves url from pending to in-flight, or fails with ErrNotPending.
	TakePending(ctx context.Context, site string, partition Partition, url string) error
	Complete(ctx context.Context, site string, partition Partition, url string) error
	Fail(ctx context.Context, site string, partition Partition, url string) error
	// Requeue moves a failed url back to pending.
	Requeue(ctx context.Context, site string, partition Partition, url string) error
	// Purge deletes one partition, or every partition of the site when partition is nil.
	Purge(ctx context.Context, site string, partition *Partition) error
	State(ctx context.Context, site string, partition Partition, url string) (URLState, error)
	ListPending(ctx context.Context, site string, partition Partition) ([]string, error)
	Snapshot(ctx context.Context) (Frontier, error)
}

// QueueRegistry records named dispatch queues and their progress.
type QueueRegistry interface {
	PutBinding(ctx context.Context, binding QueueBinding) error
	Binding(ctx context.Context, name string) (QueueBinding, error)
	ListBindings(ctx context.Context) ([]QueueBinding, error)
	// MarkProcessed sets only the binding's last processed url, leaving its
	// other fields as they are. It returns ErrBindingNotFound for unknown queues.
	MarkProcessed(ctx context.Context, name, url string) error
}

// SnapshotStore persists the last extracted text per resource key.
type SnapshotStore interface {
	// Get returns the stored text and whether one existed.
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key string, text string) error
}

// Queue is a durable, at-least-once work queue addressed by name.
type Queue interface {
	Declare(ctx context.Context, name string) error
	Publish(ctx context.Context, name string, task Task) error
	// Receive waits up to wait for a visible message and hides it for
	// visibility. It returns ErrQueueEmpty when nothing arrives in time.
	Receive(ctx context.Context, name string, visibility, wait time.Duration) (Delivery, error)
	Ack(ctx context.Context, delivery Delivery) error
	// Depth counts the messages the named queue holds, hidden or visible.
	Depth(ctx context.Context, name string) (int, error)
}

// TextFetcher returns the extracted text of a resource.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RateLimiter paces requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Renderer opens a listing page for link extraction.
type Renderer interface {
	Open(ctx context.Context, pageURL string) (RenderSession, error)
}

// RenderSession is one open listing page. Sessions are not safe for concurrent use.
type RenderSession interface {
	// Links returns raw href values of anchors whose href contains hrefFilter.
	Links(ctx context.Context, hrefFilter string) ([]string, error)
	HasNextPage(ctx context.Context) (bool, error)
	NextPage(ctx context.Context) error
	Close() error
}

// ChangeRecorder scores a new text against the stored snapshot.
type ChangeRecorder interface {
	RecordAndDiff(ctx context.Context, resourceKey string, newText string) (float64, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for resource keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ResourceKeyer derives the snapshot key of a URL.
type ResourceKeyer interface {
	ResourceKey(url string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// QueueNamer names new dispatch queues.
type QueueNamer interface {
	NewQueueName() (string, error)
}
