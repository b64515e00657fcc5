// Package store persists scheduled jobs and content items in SQLite.
//
// Jobs move through a small state machine; transitions are compare-and-set
// so two concurrent firings can never both win. Delivered and Cancelled are
// terminal and the record is removed; Failed records are retained for
// operator inspection.
package store

import (
	"errors"
	"time"

	"chronopost/internal/transport"
)

var ErrNotFound = errors.New("store: not found")

type JobState string

const (
	StatePending   JobState = "pending"
	StateFiring    JobState = "firing"
	StateDelivered JobState = "delivered"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// ScheduledJob binds a content item, a target channel and a trigger time.
type ScheduledJob struct {
	ID        string
	ContentID string
	Channel   transport.Target

	// TriggerAt is always UTC, regardless of the wall-clock input it was
	// computed from.
	TriggerAt time.Time

	// Timezone is the IANA zone the user scheduled in, kept for display.
	Timezone string

	State JobState

	// DestructAfter > 0 requests deletion of the delivered message after
	// this duration.
	DestructAfter time.Duration

	// Reason holds the human-readable failure cause for StateFailed.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentItem is the logical unit of schedulable content.
//
// Invariant: when HasCustomThumb is true, Ref points at the post-substitution
// upload. The swap updates Ref and HasCustomThumb in one statement.
type ContentItem struct {
	ID   string
	Kind transport.Kind

	// Ref is the platform content reference. For KindText it holds the
	// message body itself.
	Ref     string
	Caption string

	// ThumbRef names the user-chosen thumbnail image. While HasCustomThumb
	// is still false the substitution is pending and every send must upload
	// fresh bytes.
	ThumbRef       string
	HasCustomThumb bool
	SizeBytes      int64
}
