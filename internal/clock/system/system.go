// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Clock reads time.Now in UTC. Frontier bindings, progress events, and change
// events are all stamped in UTC.
type Clock struct{}

var _ crawler.Clock = Clock{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
