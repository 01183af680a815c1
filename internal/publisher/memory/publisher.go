// Package memory records change notifications in process, for local runs
// where no broker is configured and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	logger   *zap.Logger
}

var _ crawler.Publisher = (*Publisher)(nil)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher. Options may attach a logger that echoes
// every change event, which is how local runs surface them.
func New(opts ...Option) *Publisher {
	p := &Publisher{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLogger logs each published change event at info level.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	id := fmt.Sprintf("memory-%d", len(p.messages))
	p.mu.Unlock()

	if ev, ok := payload.(crawler.ChangeEvent); ok {
		p.logger.Info("change detected",
			zap.String("topic", topic),
			zap.String("site", ev.Site),
			zap.String("url", ev.URL),
			zap.Float64("score", ev.ChangeScore),
		)
	}
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded change events in publish order.
func (p *Publisher) Events() []crawler.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.ChangeEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.ChangeEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
