// Package dispatcher implements the Dispatcher (§4.4): pure execution of
// one leased job through a per-kind state machine, with a uniform
// error-kind classification that decides whether a failure is retried or
// dead-lettered.
package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Outcome discriminates a dispatch result.
type Outcome int

const (
	Success Outcome = iota
	Retry
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Status is the full dispatch result: an Outcome plus, for non-Success,
// the error that caused it.
type Status struct {
	Outcome Outcome
	Err     error
}

// SuccessStatus, RetryStatus and DeadLetterStatus construct a Status of
// the matching Outcome.
func SuccessStatus() Status {
	return Status{Outcome: Success}
}

func RetryStatus(err error) Status {
	return Status{Outcome: Retry, Err: err}
}

func DeadLetterStatus(err error) Status {
	return Status{Outcome: DeadLetter, Err: err}
}

// ErrInvalidData, ErrNotFound, ErrConflict classify job-local failures
// that can never succeed on retry.
var (
	ErrInvalidData = errors.New("dispatcher: invalid data")
	ErrNotFound    = errors.New("dispatcher: not found")
	ErrConflict    = errors.New("dispatcher: conflict")
)

// FilesystemError wraps an I/O failure reading the media tree; these
// dead-letter because a bad path needs an administrator, not a retry.
type FilesystemError struct{ Err error }

func (e *FilesystemError) Error() string { return "filesystem: " + e.Err.Error() }
func (e *FilesystemError) Unwrap() error { return e.Err }

// TransportError wraps a network-level failure reaching a remote service
// (connection refused, DNS failure, timeout before any response) as
// opposed to a non-2xx response, which is classified by status code.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RemoteStatusError wraps a non-2xx HTTP response from a remote service.
type RemoteStatusError struct {
	StatusCode int
	Err        error
}

func (e *RemoteStatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}
func (e *RemoteStatusError) Unwrap() error { return e.Err }

// DatabaseError wraps a persistence-layer failure (sqlite/bbolt/badger).
type DatabaseError struct{ Err error }

func (e *DatabaseError) Error() string { return "database: " + e.Err.Error() }
func (e *DatabaseError) Unwrap() error { return e.Err }

// transientVocabulary is the substring set that marks an opaque internal
// error as transient; matching is case-insensitive and deliberately
// conservative — anything not matching dead-letters rather than retrying
// forever on a permanent defect.
var transientVocabulary = []string{
	"timeout", "temporary", "connection", "rate limit", "503", "unavailable",
}

// Classify maps err to a dispatch Outcome, applying the uniform error
// mapping: invalid/not-found/conflict/cancellation/serialization and
// filesystem errors dead-letter; transport errors and database errors
// retry; remote status errors follow HTTP semantics; anything else falls
// back to a transient-vocabulary check on the error text.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}

	switch {
	case errors.Is(err, ErrInvalidData), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return DeadLetter
	case errors.Is(err, context.Canceled):
		return DeadLetter
	}

	var fsErr *FilesystemError
	if errors.As(err, &fsErr) {
		return DeadLetter
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return Retry
	}

	var remoteErr *RemoteStatusError
	if errors.As(err, &remoteErr) {
		switch {
		case remoteErr.StatusCode == http.StatusNotFound:
			return DeadLetter
		case remoteErr.StatusCode == http.StatusTooManyRequests, remoteErr.StatusCode >= 500:
			return Retry
		default:
			return DeadLetter
		}
	}

	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return Retry
	}

	lower := strings.ToLower(err.Error())
	for _, word := range transientVocabulary {
		if strings.Contains(lower, word) {
			return Retry
		}
	}
	return DeadLetter
}

// StatusFor builds a Status for err using Classify.
func StatusFor(err error) Status {
	switch Classify(err) {
	case Success:
		return SuccessStatus()
	case Retry:
		return RetryStatus(err)
	default:
		return DeadLetterStatus(err)
	}
}
