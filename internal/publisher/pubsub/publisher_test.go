package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) { return r.id, r.err }

type fakeSender struct {
	sent    []*pubsub.Message
	err     error
	stopped bool
}

func (f *fakeSender) Publish(_ context.Context, msg *pubsub.Message) resultGetter {
	f.sent = append(f.sent, msg)
	return fakeResult{id: "m-1", err: f.err}
}

func (f *fakeSender) Stop() { f.stopped = true }

func TestPublishChangeEvent(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{}
	p := &Publisher{sender: fake}

	ev := crawler.ChangeEvent{
		Site:        "https://ex.org",
		Partition:   crawler.Partition{Key: "query", Value: "ai"},
		URL:         "https://ex.org/a",
		ResourceKey: "abc",
		ChangeScore: 0.5,
	}
	id, err := p.Publish(context.Background(), "ignored", ev)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	require.Len(t, fake.sent, 1)
	msg := fake.sent[0]
	assert.Equal(t, "https://ex.org", msg.Attributes["site"])
	assert.Equal(t, "query=ai", msg.Attributes["partition"])
	assert.Equal(t, "0.5000", msg.Attributes["change_score"])

	var decoded crawler.ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.URL, decoded.URL)

	require.NoError(t, p.Close())
	assert.True(t, fake.stopped)
}

func TestPublishFailure(t *testing.T) {
	t.Parallel()
	p := &Publisher{sender: &fakeSender{err: errors.New("unavailable")}}
	_, err := p.Publish(context.Background(), "", crawler.ChangeEvent{})
	require.Error(t, err)
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}
