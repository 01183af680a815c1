// Package progress defines the event structures emitted while dispatch queues drain.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageDrainStart       Stage = "DRAIN_START"
	StageDrainDone        Stage = "DRAIN_DONE"
	StageDrainError       Stage = "DRAIN_ERROR"
	StageDrainInterrupted Stage = "DRAIN_INTERRUPTED"
	StageFetchDone        Stage = "FETCH_DONE"
)

// Outcome is the coarse result of a fetch.
type Outcome string

// Supported fetch outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event captures a single milestone of a drain run.
type Event struct {
	// RunID identifies one dispatcher run over a queue. Fetch events emitted
	// by workers leave it zero.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Queue is the dispatch queue being drained.
	Queue string
	// Kind is the fetch kind the queue is drained with.
	Kind string
	// Site scopes fetch events to a site base URL.
	Site string
	// URL is the fetched URL; it should not contain credentials.
	URL string
	// Chars is the length of the extracted text.
	Chars int64
	// Outcome is set on fetch completions.
	Outcome Outcome
	// Dur captures fetch latency, or drain wall time for drain completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Queue == "" {
		return errors.New("queue is required")
	}
	switch e.Stage {
	case StageDrainStart, StageDrainDone, StageDrainError, StageDrainInterrupted:
		if e.RunID == [16]byte{} {
			return errors.New("run id is required")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
