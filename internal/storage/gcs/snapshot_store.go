// Package gcs provides a snapshot store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// SnapshotStore reads and writes snapshot objects in a configured GCS bucket.
type SnapshotStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ crawler.SnapshotStore = (*SnapshotStore)(nil)

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &SnapshotStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Get downloads the snapshot object. A missing object means no snapshot.
func (s *SnapshotStore) Get(ctx context.Context, key string) (string, bool, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, crawler.NewStorageError("open snapshot", err)
	}
	defer reader.Close() //nolint:errcheck // read-only handle
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", false, crawler.NewStorageError("read snapshot", err)
	}
	return string(data), true, nil
}

// Put uploads text as the new snapshot object.
func (s *SnapshotStore) Put(ctx context.Context, key, text string) error {
	writer := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"
	if _, err := io.Copy(writer, strings.NewReader(text)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return crawler.NewStorageError("copy snapshot", fmt.Errorf("%w (close writer: %v)", err, closeErr))
		}
		return crawler.NewStorageError("copy snapshot", err)
	}
	if err := writer.Close(); err != nil {
		return crawler.NewStorageError("close writer", err)
	}
	return nil
}

func (s *SnapshotStore) objectName(key string) string {
	return path.Join(s.prefix, key+".txt")
}
