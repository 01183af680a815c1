package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across implementations.
var (
	ErrNotPending         = errors.New("url is not pending")
	ErrNotInFlight        = errors.New("url is not in flight")
	ErrNotFailed          = errors.New("url is not failed")
	ErrUnknownURL         = errors.New("url is not in the frontier")
	ErrSiteNotRegistered  = errors.New("site is not registered")
	ErrQueueEmpty         = errors.New("queue empty")
	ErrQueueNotDeclared   = errors.New("queue not declared")
	ErrDeliveryExpired    = errors.New("delivery receipt expired")
	ErrBindingNotFound    = errors.New("queue binding not found")
	ErrInvalidURL         = errors.New("invalid url")
	ErrNoFetcher          = errors.New("no fetcher configured for kind")
)

// DiscoveryError reports a render/navigation failure that aborted discovery.
type DiscoveryError struct {
	Site    string
	PageURL string
	Err     error
}

func (e *DiscoveryError) Error() string {
	if e.PageURL == "" {
		return fmt.Sprintf("discovery failed for %s: %v", e.Site, e.Err)
	}
	return fmt.Sprintf("discovery failed for %s (page %s): %v", e.Site, e.PageURL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError reports a network, timeout, or extraction failure for one URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InvariantError reports a frontier/dispatch desync such as taking a URL that is not pending.
type InvariantError struct {
	Op        string
	Site      string
	Partition Partition
	URL       string
	Err       error
}

func (e *InvariantError) Error() string {
	if e.Partition.IsZero() {
		return fmt.Sprintf("frontier invariant violated: %s %s on %s: %v", e.Op, e.URL, e.Site, e.Err)
	}
	return fmt.Sprintf("frontier invariant violated: %s %s on %s[%s]: %v", e.Op, e.URL, e.Site, e.Partition, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// StorageError reports a persistence I/O failure. State may not have been written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewInvariantError builds an InvariantError for a frontier operation.
func NewInvariantError(op, site string, partition Partition, url string, err error) error {
	return &InvariantError{Op: op, Site: site, Partition: partition, URL: url, Err: err}
}

// NewStorageError wraps err as a StorageError unless it is nil or already one.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsInvariantViolation reports whether err is a frontier invariant violation.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// IsStorageFailure reports whether err is a persistence failure.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsDiscoveryFailure reports whether err aborted a discovery run.
func IsDiscoveryFailure(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// IsFetchFailure reports whether err is a fetch failure.
func IsFetchFailure(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
