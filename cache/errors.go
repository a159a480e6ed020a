package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrInitialization is returned when the persistent store cannot be opened.
	ErrInitialization = errors.New("cache: initialization failed")

	// ErrTransaction is returned when a read or write transaction fails.
	ErrTransaction = errors.New("cache: transaction failed")

	// ErrEviction is logged when an eviction pass fails. It never fails a Store.
	ErrEviction = errors.New("cache: eviction failed")

	// ErrInvalidFileID is returned when a file id is empty.
	ErrInvalidFileID = errors.New("cache: invalid file id")
)

// Status is the closed set of outcomes of a cache operation.
type Status int

const (
	// StatusOK means the operation succeeded. For reads it is a hit.
	StatusOK Status = iota
	// StatusNotFound means no entry exists for the file id.
	StatusNotFound
	// StatusBackendError means the store failed; the cache behaves as a miss.
	StatusBackendError
)

// String returns the status name used in logs and metric labels.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBackendError:
		return "backend_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of a cache operation. Err is set only for
// StatusBackendError and wraps one of the package sentinels.
type Result struct {
	Status Status
	Err    error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return r.Status.String()
}

var (
	resultOK       = Result{Status: StatusOK}
	resultNotFound = Result{Status: StatusNotFound}
)

func backendError(sentinel, cause error) Result {
	if cause == nil {
		return Result{Status: StatusBackendError, Err: sentinel}
	}
	return Result{Status: StatusBackendError, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}
