// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherResourceKeyNormalizes ensures equivalent URLs share a key.
func TestHasherResourceKeyNormalizes(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.ResourceKey("HTTPS://Example.com:443/doc#frag")
	if err != nil {
		t.Fatalf("ResourceKey() error = %v", err)
	}
	b, err := h.ResourceKey("https://example.com/doc")
	if err != nil {
		t.Fatalf("ResourceKey() error = %v", err)
	}
	if a != b {
		t.Fatalf("expected equal keys, got %s vs %s", a, b)
	}
	if _, err := h.ResourceKey("/relative"); err == nil {
		t.Fatalf("expected error for relative url")
	}
}
