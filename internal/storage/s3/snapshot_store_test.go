package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]string
	putErr  error
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()
	fake := &fakeObjects{objects: map[string]string{}}
	store, err := New(fake, Config{Bucket: "crawl"})
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "abc", "hello"))
	assert.Equal(t, "hello", fake.objects["crawl/snapshots/abc.txt"])

	text, ok, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestSnapshotStorePutFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeObjects{objects: map[string]string{}, putErr: errors.New("503 slow down")}
	store, err := New(fake, Config{Bucket: "crawl", Prefix: "p"})
	require.NoError(t, err)

	err = store.Put(context.Background(), "abc", "hello")
	require.Error(t, err)
	assert.True(t, crawler.IsStorageFailure(err))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeObjects{}, Config{})
	require.Error(t, err)
}
