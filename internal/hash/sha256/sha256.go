// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

var (
	_ crawler.Hasher        = (*Hasher)(nil)
	_ crawler.ResourceKeyer = (*Hasher)(nil)
)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ResourceKey derives the snapshot key for a URL. The URL is normalized
// first so equivalent spellings share one snapshot.
func (h *Hasher) ResourceKey(rawURL string) (string, error) {
	canonical, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	return h.Hash([]byte(canonical))
}
