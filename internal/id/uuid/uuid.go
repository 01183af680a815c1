// Package uuid names dispatch queues after time-ordered UUIDs.
package uuid

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// QueuePrefix prefixes generated dispatch queue names.
const QueuePrefix = "url_queue_"

// Generator creates queue names of the form url_queue_<uuid7>. UUIDv7 sorts
// by creation time, so listing queue names lexically lists them oldest first.
type Generator struct {
	newUUID func() (uuid.UUID, error)
}

var _ crawler.QueueNamer = (*Generator)(nil)

// New creates a Generator backed by uuid.NewV7.
func New() *Generator {
	return &Generator{newUUID: uuid.NewV7}
}

// NewQueueName returns a fresh queue name.
func (g *Generator) NewQueueName() (string, error) {
	id, err := g.newUUID()
	if err != nil {
		return "", fmt.Errorf("generate queue id: %w", err)
	}
	return QueuePrefix + id.String(), nil
}

// QueueCreatedAt recovers the creation time embedded in a generated queue
// name. Names that were not generated here report false.
func QueueCreatedAt(name string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(name, QueuePrefix)
	if !ok {
		return time.Time{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	// The first 48 bits of a v7 UUID are Unix milliseconds.
	ms := binary.BigEndian.Uint64(id[:8]) >> 16
	return time.UnixMilli(int64(ms)).UTC(), true
}
