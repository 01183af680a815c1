// Package redis stores text snapshots in Redis so several workers can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

const connectionTimeout = 5 * time.Second

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// SnapshotStore keeps each snapshot under <prefix>:snapshot:<key>.
type SnapshotStore struct {
	client redis.UniversalClient
	prefix string
}

var _ crawler.SnapshotStore = (*SnapshotStore)(nil)

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "deltacrawler"
	}
	return &SnapshotStore{client: client, prefix: prefix}, nil
}

// Get returns the stored text and whether one existed.
func (s *SnapshotStore) Get(ctx context.Context, key string) (string, bool, error) {
	text, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, crawler.NewStorageError("get snapshot", err)
	}
	return text, true, nil
}

// Put overwrites the text stored under key.
func (s *SnapshotStore) Put(ctx context.Context, key, text string) error {
	if err := s.client.Set(ctx, s.key(key), text, 0).Err(); err != nil {
		return crawler.NewStorageError("put snapshot", err)
	}
	return nil
}

func (s *SnapshotStore) key(k string) string {
	return s.prefix + ":snapshot:" + k
}
