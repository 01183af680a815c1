package memory

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", crawler.ChangeEvent{URL: "https://ex.org/a", ChangeScore: 0.4})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic-a" || msgs[1].Topic != "topic-b" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}

	events := pub.Events()
	if len(events) != 1 || events[0].URL != "https://ex.org/a" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPublisherLogsChangeEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	pub := New(WithLogger(zap.New(core)))
	if _, err := pub.Publish(context.Background(), "changes", crawler.ChangeEvent{Site: "https://ex.org", URL: "https://ex.org/a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := pub.Publish(context.Background(), "changes", "not an event"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := logs.FilterMessage("change detected").Len(); got != 1 {
		t.Fatalf("expected one change log entry, got %d", got)
	}
}
