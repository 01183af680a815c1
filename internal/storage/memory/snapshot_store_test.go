package memory

import (
	"context"
	"testing"
)

func TestSnapshotStoreGetPut(t *testing.T) {
	t.Parallel()

	store := NewSnapshotStore()
	ctx := context.Background()
	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("Get() on empty store = ok %v, err %v", ok, err)
	}
	if err := store.Put(ctx, "k", "first"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "k", "second"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	text, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if text != "second" {
		t.Fatalf("expected overwrite, got %q", text)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one snapshot, got %d", store.Len())
	}
}
