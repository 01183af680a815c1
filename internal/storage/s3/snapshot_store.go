// Package s3 provides a snapshot store on S3-compatible object storage
// (AWS, MinIO, Tigris).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Config captures the bucket and optional S3-compatible endpoint.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotStore reads and writes snapshot objects in one bucket.
type SnapshotStore struct {
	client objectAPI
	bucket string
	prefix string
}

var _ crawler.SnapshotStore = (*SnapshotStore)(nil)

// NewClient builds an S3 client. Static credentials are used when set,
// otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New wraps an S3 client.
func New(client objectAPI, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
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
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", false, nil
		}
		return "", false, crawler.NewStorageError("get snapshot", err)
	}
	defer out.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, crawler.NewStorageError("read snapshot", err)
	}
	return string(data), true, nil
}

// Put uploads text as the new snapshot object.
func (s *SnapshotStore) Put(ctx context.Context, key, text string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return crawler.NewStorageError("put snapshot", err)
	}
	return nil
}

func (s *SnapshotStore) objectKey(key string) string {
	return path.Join(s.prefix, key+".txt")
}
