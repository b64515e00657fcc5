// Package transport defines the backend contract for sending and fetching
// channel content, and the capability registry used to pick one.
package transport

import (
	"context"
	"io"
)

// Kind is the logical content type of a payload.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// Target is an opaque channel address. Backends pass it through to the
// platform; the engine never inspects its structure.
type Target string

// MessageHandle identifies a delivered message for later deletion.
//
// Ref is the platform's reference for the content the message carries. After
// a fresh upload it names the newly minted copy, which is what the
// substitution swap records for future sends. Empty for text.
type MessageHandle struct {
	Channel   Target
	MessageID int
	Ref       string
}

// Capabilities is a backend's static constraint descriptor.
type Capabilities struct {
	// MaxInlineSize is the largest payload (bytes) the backend will carry.
	MaxInlineSize int64

	// SupportsUpload reports whether the backend can upload fresh bytes,
	// as opposed to only resending stored references.
	SupportsUpload bool
}

// Upload carries fresh bytes staged on local disk.
type Upload struct {
	Path      string
	Size      int64
	ThumbPath string // optional custom thumbnail; ignored for text and image kinds
}

// Payload is one unit of deliverable content.
//
// If Upload is nil the backend resends Ref; otherwise it uploads the staged
// file (with thumbnail, if any) and Ref is ignored.
type Payload struct {
	Kind    Kind
	Text    string // KindText only
	Ref     string // stored content reference
	Caption string
	Upload  *Upload
}

// Backend is one transport capable of carrying content to the platform.
// Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Capabilities() Capabilities

	// Send delivers the payload and returns a handle to the created message.
	// Failures are classified with errkind.
	Send(ctx context.Context, p Payload, to Target) (MessageHandle, error)

	// Fetch streams the bytes behind a content reference into dst and
	// returns the byte count.
	Fetch(ctx context.Context, ref string, dst io.Writer) (int64, error)

	// Delete removes a previously delivered message. Used by destruct jobs.
	Delete(ctx context.Context, h MessageHandle) error
}
