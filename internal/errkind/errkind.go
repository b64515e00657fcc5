// Package errkind classifies delivery-engine failures.
//
// Every error that crosses a component boundary (scheduler, dispatcher,
// rehydration, thumbnailing) is wrapped with a Kind so callers can decide
// between fallback, bounded retry, and immediate failure without string
// matching.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	// KindUnknown is the zero value; unclassified errors behave like
	// permanent failures (no retry, no fallback).
	KindUnknown Kind = iota

	// PastTime rejects scheduling input that has already elapsed.
	PastTime

	// NotFound reports cancel/replace on an unknown (or already firing) job.
	NotFound

	// TooLarge means the payload exceeds a backend's declared inline limit.
	TooLarge

	// ReferenceExpired means a stored content reference is no longer
	// resolvable by the backend that issued it.
	ReferenceExpired

	// TransientNetwork covers timeouts, resets and 5xx-style failures that
	// are worth a bounded retry.
	TransientNetwork

	// PermissionDenied means the backend refused the operation outright.
	PermissionDenied

	// Unsupported means no capable backend exists for the operation.
	Unsupported

	// ProcessingFailed reports a thumbnail pipeline failure.
	ProcessingFailed

	// Unavailable means rehydration exhausted all backends.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case PastTime:
		return "past_time"
	case NotFound:
		return "not_found"
	case TooLarge:
		return "too_large"
	case ReferenceExpired:
		return "reference_expired"
	case TransientNetwork:
		return "transient_network"
	case PermissionDenied:
		return "permission_denied"
	case Unsupported:
		return "unsupported"
	case ProcessingFailed:
		return "processing_failed"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether the dispatcher may retry the same backend.
func (k Kind) Retryable() bool { return k == TransientNetwork }

// FallsBack reports whether the dispatcher should try the next backend
// in preference order within the same call.
func (k Kind) FallsBack() bool { return k == TooLarge || k == ReferenceExpired }

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New wraps err with kind. A nil err yields an error carrying only the kind.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, err: err}
}

// Newf wraps a formatted message with kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// Of extracts the Kind from err, unwrapping as needed.
// Unclassified errors report KindUnknown.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return Of(err) == kind }

// RetryAfter provides a suggested delay before retrying.
//
// Backends surface rate-limit hints (e.g. Telegram's retry_after) through
// this so the dispatcher respects them, bounded by its max delay, with
// jitter still applied.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
