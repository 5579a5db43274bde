package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for development and testing.
type MemStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session // keyed by code
	transcripts map[string][]TranscriptSegment
	scriptures  map[string][]ScriptureReference
	now         func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[string]Session),
		transcripts: make(map[string][]TranscriptSegment),
		scriptures:  make(map[string][]ScriptureReference),
		now:         time.Now,
	}
}

// Create implements [Store.Create].
func (s *MemStore) Create(ctx context.Context) (Session, error) {
	id, err := NewID()
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var code string
	for {
		code, err = NewCode()
		if err != nil {
			return Session{}, err
		}
		if _, taken := s.sessions[code]; !taken {
			break
		}
	}

	now := s.now()
	sess := Session{
		ID:        id,
		Code:      code,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[code] = sess
	return sess, nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, code string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[code]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[session.Code]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == StatusEnded {
		return ErrSessionEnded
	}
	if !cur.Status.CanTransition(session.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur.Status, session.Status)
	}

	session.ID = cur.ID
	session.CreatedAt = cur.CreatedAt
	session.UpdatedAt = s.now()
	s.sessions[session.Code] = session
	return nil
}

// End implements [Store.End].
func (s *MemStore) End(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[code]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == StatusEnded {
		return nil
	}
	cur.Status = StatusEnded
	cur.IsRecording = false
	cur.IsPaused = false
	cur.UpdatedAt = s.now()
	s.sessions[code] = cur
	return nil
}

// AppendTranscript implements [Store.AppendTranscript].
func (s *MemStore) AppendTranscript(ctx context.Context, code string, seg TranscriptSegment) (TranscriptSegment, error) {
	id, err := NewID()
	if err != nil {
		return TranscriptSegment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return TranscriptSegment{}, ErrNotFound
	}
	if sess.Status == StatusEnded {
		return TranscriptSegment{}, ErrSessionEnded
	}

	seg.ID = id
	seg.SessionID = sess.ID
	if seg.Timestamp.IsZero() {
		seg.Timestamp = s.now()
	}
	s.transcripts[code] = append(s.transcripts[code], seg)
	return seg, nil
}

// AppendScripture implements [Store.AppendScripture].
func (s *MemStore) AppendScripture(ctx context.Context, code string, ref ScriptureReference) (ScriptureReference, error) {
	id, err := NewID()
	if err != nil {
		return ScriptureReference{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return ScriptureReference{}, ErrNotFound
	}
	if sess.Status == StatusEnded {
		return ScriptureReference{}, ErrSessionEnded
	}

	ref.ID = id
	ref.SessionID = sess.ID
	s.scriptures[code] = append(s.scriptures[code], ref)
	return ref, nil
}

// Transcripts implements [Store.Transcripts].
func (s *MemStore) Transcripts(ctx context.Context, code string) ([]TranscriptSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[code]; !ok {
		return nil, ErrNotFound
	}
	out := slices.Clone(s.transcripts[code])
	slices.SortStableFunc(out, func(a, b TranscriptSegment) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// Scriptures implements [Store.Scriptures].
func (s *MemStore) Scriptures(ctx context.Context, code string) ([]ScriptureReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[code]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s.scriptures[code]), nil
}
