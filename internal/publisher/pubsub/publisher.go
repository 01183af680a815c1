// Package pubsub publishes change events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Config names the project and topic.
type Config struct {
	ProjectID string
	Topic     string
}

type resultGetter interface {
	Get(ctx context.Context) (string, error)
}

// sender is the slice of *pubsub.Publisher the Publisher uses.
type sender interface {
	Publish(ctx context.Context, msg *pubsub.Message) resultGetter
	Stop()
}

type topicSender struct {
	p *pubsub.Publisher
}

func (s topicSender) Publish(ctx context.Context, msg *pubsub.Message) resultGetter {
	return s.p.Publish(ctx, msg)
}

func (s topicSender) Stop() { s.p.Stop() }

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client *pubsub.Client
	sender sender
}

var _ crawler.Publisher = (*Publisher)(nil)

// New connects to Pub/Sub with Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, sender: topicSender{p: client.Publisher(cfg.Topic)}}, nil
}

// Publish marshals the payload to JSON and waits for the server to accept it.
// The topic argument is ignored; the topic is fixed at construction.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.sender.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.sender.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// attributes exposes routing fields so subscriptions can filter without
// decoding the body.
func attributes(payload any) map[string]string {
	attrs := make(map[string]string)
	if ev, ok := payload.(crawler.ChangeEvent); ok {
		attrs["site"] = ev.Site
		attrs["resource_key"] = ev.ResourceKey
		attrs["change_score"] = strconv.FormatFloat(ev.ChangeScore, 'f', 4, 64)
		if !ev.Partition.IsZero() {
			attrs["partition"] = ev.Partition.String()
		}
	}
	return attrs
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
