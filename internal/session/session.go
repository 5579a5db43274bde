// Package session implements the client-side streaming session: the state
// machine that owns one realtime provider connection, feeds it encoded audio
// frames, and turns the provider's event stream into transcript and
// scripture-detection events.
//
// One StreamingSession exists per active capture. It is created on recording
// start and is terminal after Disconnect: a new recording constructs a new
// session, so independent sessions never share state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/versecast/versecast/internal/detect"
	"github.com/versecast/versecast/internal/observe"
	"github.com/versecast/versecast/internal/token"
	"github.com/versecast/versecast/pkg/audio"
	"github.com/versecast/versecast/pkg/provider/realtime"
)

// State is the connection state of a [StreamingSession].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by Connect after Disconnect has been called.
// Disconnect is terminal: start a new session for a new recording.
var ErrSessionClosed = errors.New("session: closed")

// Issuer provides fresh transport credentials. Implemented by token.Issuer.
type Issuer interface {
	Issue(ctx context.Context) (*token.Credential, error)
}

// Config holds per-session detection preferences.
type Config struct {
	// Instructions is the system prompt. Empty selects the default.
	Instructions string

	// BibleVersion is the preferred version applied to matches that carry
	// none of their own.
	BibleVersion string

	// OutputLanguage is the BCP-47 tag for transcript output.
	OutputLanguage string

	// MinConfidence filters detection matches.
	MinConfidence float64

	// MaxReferences caps matches per detection.
	MaxReferences int

	// SampleRate is the capture sample rate in Hz.
	SampleRate int

	// TurnDetection tunes provider-side VAD. Zero value selects server VAD
	// defaults.
	TurnDetection realtime.TurnDetection
}

const defaultInstructions = `You listen to live speech and detect references to Bible scripture, whether cited explicitly ("John chapter three verse sixteen") or quoted from memory. Whenever you detect one or more references, call the report_scripture tool with the spoken transcript and the ranked matches. Do not respond with audio or text.`

// EventKind discriminates the session's outbound event union.
type EventKind int

const (
	// KindStateChange reports a connection-state transition.
	KindStateChange EventKind = iota

	// KindTranscript carries transcript text. Final marks a completed
	// segment; otherwise the text is a live delta.
	KindTranscript

	// KindDetection carries one validated scripture detection.
	KindDetection

	// KindError carries terminal or provider-reported error text.
	KindError
)

// Event is one session-to-consumer message.
type Event struct {
	Kind      EventKind
	State     State
	Text      string
	Final     bool
	Detection detect.DetectionResult
	Err       string
}

// StreamingSession owns one provider connection and its capture pipeline.
// All exported methods are safe for concurrent use.
type StreamingSession struct {
	provider realtime.Provider
	issuer   Issuer
	cfg      Config
	encoder  *audio.FrameEncoder
	asm      *detect.Assembler
	san      detect.Sanitizer
	met      *observe.Metrics
	events   chan Event

	mu            sync.Mutex
	state         State
	handle        realtime.Handle
	disconnecting bool
	closed        bool

	closeOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*StreamingSession)

// WithSanitizer wires the remote JSON repair fallback into the assembler.
func WithSanitizer(s detect.Sanitizer) Option {
	return func(ss *StreamingSession) { ss.san = s }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(ss *StreamingSession) { ss.met = m }
}

// New creates a StreamingSession in the Disconnected state.
func New(provider realtime.Provider, issuer Issuer, cfg Config, opts ...Option) *StreamingSession {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.TurnDetection.Type == "" {
		cfg.TurnDetection.Type = "server_vad"
	}

	s := &StreamingSession{
		provider: provider,
		issuer:   issuer,
		cfg:      cfg,
		events:   make(chan Event, 64),
		state:    StateDisconnected,
	}
	for _, o := range opts {
		o(s)
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	s.encoder = audio.NewFrameEncoder(cfg.SampleRate)
	s.asm = detect.New(detect.Options{
		MinConfidence:  cfg.MinConfidence,
		MaxReferences:  cfg.MaxReferences,
		DefaultVersion: cfg.BibleVersion,
		Sanitizer:      s.san,
		Metrics:        s.met,
	})
	return s
}

// Encoder returns the frame encoder the capture callback writes into.
// Samples written before the session connects accumulate and are transmitted
// once the configuration message has been sent.
func (s *StreamingSession) Encoder() *audio.FrameEncoder { return s.encoder }

// Events returns the session's outbound event stream. The channel is closed
// by Disconnect.
func (s *StreamingSession) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *StreamingSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect drives the session to Connected: it obtains a fresh single-use
// credential, opens the provider transport, and awaits the configuration
// handshake. Only after Connect returns does the encoder begin flushing, so
// the configuration message always precedes the first audio frame.
//
// Connect is idempotent while Connecting or Connected. Credential or
// configuration failure transitions to Failed with no automatic retry;
// calling Connect again is the explicit reconnect.
func (s *StreamingSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.disconnecting = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	start := time.Now()
	cred, err := s.issuer.Issue(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("session: obtain credential: %w", err))
	}
	secret, err := cred.Take()
	if err != nil {
		return s.fail(fmt.Errorf("session: credential: %w", err))
	}

	handle, err := s.provider.Connect(ctx, realtime.SessionConfig{
		ClientSecret:   secret,
		Instructions:   s.instructions(),
		Tools:          []realtime.ToolDefinition{scriptureToolSchema()},
		TurnDetection:  s.cfg.TurnDetection,
		OutputLanguage: s.cfg.OutputLanguage,
	})
	if err != nil {
		return s.fail(fmt.Errorf("session: connect: %w", err))
	}

	s.mu.Lock()
	if s.disconnecting || s.closed {
		s.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	s.handle = handle
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.met.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	s.met.ActiveSessions.Add(ctx, 1)
	s.encoder.Start(s.sendFrame)
	go s.eventLoop(handle)
	return nil
}

// Disconnect tears the session down from any state: it stops the frame
// encoder, closes the transport if open, discards in-flight call buffers and
// closes the event stream. Safe to call repeatedly; terminal for this session.
func (s *StreamingSession) Disconnect() {
	s.mu.Lock()
	s.disconnecting = true
	handle := s.handle
	s.handle = nil
	wasConnected := s.state == StateConnected
	if !s.closed {
		s.setStateLocked(StateDisconnected)
	}
	s.closed = true
	s.mu.Unlock()

	if wasConnected {
		s.met.ActiveSessions.Add(context.Background(), -1)
	}

	s.encoder.Close()
	s.asm.Reset()
	if handle != nil {
		_ = handle.Close()
	}
	s.closeOnce.Do(func() { close(s.events) })
}

// sendFrame is the encoder sink. Late sends during teardown are dropped
// rather than surfaced as errors.
func (s *StreamingSession) sendFrame(encoded string) error {
	s.mu.Lock()
	handle := s.handle
	dc := s.disconnecting
	s.mu.Unlock()

	if dc || handle == nil {
		return nil
	}
	if err := handle.SendAudio(encoded); err != nil {
		s.mu.Lock()
		dc = s.disconnecting
		s.mu.Unlock()
		if dc {
			return nil
		}
		return err
	}
	s.met.AudioFrames.Add(context.Background(), 1)
	return nil
}

// eventLoop drains the provider event stream until the connection ends, then
// performs the Connected → Disconnected transition: frame transmission halts
// and in-flight call buffers are discarded so partial results never surface.
func (s *StreamingSession) eventLoop(handle realtime.Handle) {
	for evt := range handle.Events() {
		switch evt.Type {
		case realtime.EventTranscriptDelta:
			s.emit(Event{Kind: KindTranscript, Text: evt.Text})

		case realtime.EventTranscriptDone:
			s.emit(Event{Kind: KindTranscript, Text: evt.Text, Final: true})

		case realtime.EventToolCallDelta:
			s.asm.Delta(evt.CallID, evt.Delta)

		case realtime.EventToolCallDone:
			if result, ok := s.asm.Done(context.Background(), evt.CallID, evt.Arguments); ok {
				s.emit(Event{Kind: KindDetection, Detection: result})
			}

		case realtime.EventError:
			slog.Warn("provider error event", "message", evt.Message, "code", evt.Code)
			s.met.RecordProviderError(context.Background(), "realtime", evt.Code)
			s.emit(Event{Kind: KindError, Err: evt.Message})
		}
	}

	s.encoder.Pause()
	s.asm.Reset()

	s.mu.Lock()
	if s.closed || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.met.ActiveSessions.Add(context.Background(), -1)
	if err := handle.Err(); err != nil {
		slog.Warn("transport lost", "err", err)
	}
}

// fail records a configuration/credential failure: Failed state, user-visible
// error, no automatic retry. A session torn down by a concurrent Disconnect
// stays Disconnected; the error still propagates to the Connect caller.
func (s *StreamingSession) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.setStateLocked(StateFailed)
	s.emitLocked(Event{Kind: KindError, Err: err.Error()})
	return err
}

// setStateLocked updates state and queues the transition event. Caller must
// hold s.mu.
func (s *StreamingSession) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.emitLocked(Event{Kind: KindStateChange, State: next})
}

// emit delivers an event without blocking the state machine; a full consumer
// loses the event with a log line rather than stalling the pipeline.
func (s *StreamingSession) emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(evt)
}

// emitLocked drops everything once the session is closed: the events channel
// closes right after, and no sender may outlive that.
func (s *StreamingSession) emitLocked(evt Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		slog.Warn("session event dropped: consumer not keeping up", "kind", evt.Kind)
	}
}

// instructions returns the configured or default system prompt.
func (s *StreamingSession) instructions() string {
	if s.cfg.Instructions != "" {
		return s.cfg.Instructions
	}
	return defaultInstructions
}

// scriptureToolSchema declares the report_scripture tool the provider calls
// when it detects references.
func scriptureToolSchema() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        "report_scripture",
		Description: "Report scripture references detected in the live speech.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"transcript": map[string]any{
					"type":        "string",
					"description": "The spoken phrase the references were detected in.",
				},
				"matches": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"reference":  map[string]any{"type": "string"},
							"quote":      map[string]any{"type": "string"},
							"version":    map[string]any{"type": "string"},
							"confidence": map[string]any{"type": "number"},
						},
						"required": []string{"reference", "confidence"},
					},
				},
			},
			"required": []string{"transcript", "matches"},
		},
	}
}
