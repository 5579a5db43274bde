// Package store defines the session state model and the Store interface that
// the hub and the capture pipeline persist through: sessions addressed by a
// human-shareable code, their transcript segments and their detected
// scripture references.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no session exists for the given code.
	ErrNotFound = errors.New("store: session not found")

	// ErrSessionEnded is returned for writes against an ended session.
	ErrSessionEnded = errors.New("store: session has ended")

	// ErrInvalidTransition is returned when a status update violates the
	// session lifecycle.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNew    Status = "new"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusActive, StatusPaused, StatusEnded:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// The lifecycle is New → Active → {Paused ↔ Active} → Ended; Ended is
// terminal. A no-op transition to the same status is always permitted.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return s != StatusEnded
	}
	switch s {
	case StatusNew:
		return next == StatusActive || next == StatusEnded
	case StatusActive:
		return next == StatusPaused || next == StatusEnded
	case StatusPaused:
		return next == StatusActive || next == StatusEnded
	}
	return false
}

// Session is the durable record of one shared viewing session.
type Session struct {
	// ID is the store-assigned unique identifier.
	ID string

	// Code is the short, human-shareable code participants use to join.
	Code string

	// Status is the lifecycle state. Once ended, the session is read-only.
	Status Status

	// IsRecording reports whether a capture pipeline is currently feeding
	// this session.
	IsRecording bool

	// IsPaused reports whether recording is temporarily suspended.
	IsPaused bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Readonly reports whether the session refuses further writes.
func (s Session) Readonly() bool { return s.Status == StatusEnded }

// TranscriptSegment is one append-only unit of recognised speech, ordered by
// timestamp within its session.
type TranscriptSegment struct {
	ID         string
	SessionID  string
	Text       string
	Timestamp  time.Time
	Confidence float64
}

// ScriptureReference is one detected scripture citation, linked to the
// transcript segment it was detected in.
type ScriptureReference struct {
	ID                  string
	SessionID           string
	Book                string
	Chapter             int
	Verse               int
	Version             string
	Text                string
	Confidence          float64
	TranscriptSegmentID string
}

// Store is the system of record for everything that outlives a single
// streaming connection. All methods are safe for concurrent use.
type Store interface {
	// Create makes a new session in status New with a fresh session code.
	Create(ctx context.Context) (Session, error)

	// Get returns the session addressed by code.
	Get(ctx context.Context, code string) (Session, error)

	// Update persists mutable session fields (status, recording flags).
	// Status changes must satisfy [Status.CanTransition]; updates against an
	// ended session return [ErrSessionEnded].
	Update(ctx context.Context, session Session) error

	// End transitions the session to Ended. Idempotent.
	End(ctx context.Context, code string) error

	// AppendTranscript appends a transcript segment, assigning an ID.
	// Returns [ErrSessionEnded] when the session is ended.
	AppendTranscript(ctx context.Context, code string, seg TranscriptSegment) (TranscriptSegment, error)

	// AppendScripture appends a scripture reference, assigning an ID.
	// Returns [ErrSessionEnded] when the session is ended.
	AppendScripture(ctx context.Context, code string, ref ScriptureReference) (ScriptureReference, error)

	// Transcripts returns all transcript segments ordered by timestamp.
	Transcripts(ctx context.Context, code string) ([]TranscriptSegment, error)

	// Scriptures returns all scripture references in append order.
	Scriptures(ctx context.Context, code string) ([]ScriptureReference, error)
}
