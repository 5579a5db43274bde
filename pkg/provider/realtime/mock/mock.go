// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the provider event stream and inspect the audio frames a
// streaming session transmitted.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EventsCh <- realtime.Event{Type: realtime.EventToolCallDone, ...}
package mock

import (
	"context"
	"sync"

	"github.com/versecast/versecast/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Handle returned by Connect. If nil, Connect returns a
	// fresh default Session.
	Session realtime.Handle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, when non-nil, is received from before Connect returns.
	// Lets tests hold a session in the connecting state.
	ConnectDelay chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Handle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// ConnectCount returns the number of recorded Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.Handle.
// Tests feed EventsCh and close it (or call Close) to end the session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). The test owns it.
	EventsCh chan realtime.Event

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// ErrVal is returned by Err().
	ErrVal error

	// SentFrames records every encoded frame passed to SendAudio.
	SentFrames []string

	closed    bool
	closeOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Session) SendAudio(encoded string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentFrames = append(s.SentFrames, encoded)
	return nil
}

// Frames returns a copy of all frames sent so far. Thread-safe.
func (s *Session) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentFrames))
	copy(out, s.SentFrames)
	return out
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close marks the session closed and closes EventsCh. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.EventsCh) })
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements realtime.Handle at compile time.
var _ realtime.Handle = (*Session)(nil)
