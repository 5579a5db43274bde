// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. The
// connection authenticates with a short-lived ephemeral client secret rather
// than a long-lived API key; audio is transmitted as base64-encoded PCM16
// frames and tool-call argument deltas are surfaced as realtime.Events.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/versecast/versecast/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Handle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// createdAckTimeout bounds the wait for the session.created
	// acknowledgement after the transport opens.
	createdAckTimeout = 10 * time.Second

	// heartbeatInterval is how often a ping is sent while connected. The
	// Realtime endpoint silently times idle connections out otherwise.
	heartbeatInterval = 15 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint with the ephemeral credential from cfg,
// waits for the session.created acknowledgement and sends exactly one
// session.update configuration message before returning. Audio may be sent as
// soon as Connect returns.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Handle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.ClientSecret},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.awaitCreated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "no session.created ack")
		return nil, err
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	go sess.heartbeatLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions            string            `json:"instructions,omitempty"`
	Tools                   []oaiTool         `json:"tools,omitempty"`
	TurnDetection           *oaiTurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format"`
	InputAudioTranscription *oaiTranscription `json:"input_audio_transcription,omitempty"`
	Modalities              []string          `json:"modalities,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaiTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
}

type oaiTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio_transcript.delta / response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// awaitCreated reads from the transport until the session.created
// acknowledgement arrives. An error event before the ack fails the connect.
func (s *session) awaitCreated(ctx context.Context) error {
	ackCtx, cancel := context.WithTimeout(ctx, createdAckTimeout)
	defer cancel()

	for {
		_, data, err := s.conn.Read(ackCtx)
		if err != nil {
			return fmt.Errorf("openai: await session.created: %w", err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "session.created":
			return nil
		case "error":
			msg := "unknown error"
			if evt.Error != nil && evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			return fmt.Errorf("openai: session rejected: %s", msg)
		}
	}
}

// sendSessionUpdate sends the one-shot session.update configuring
// instructions, tool schema, turn detection and transcription language.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat: "pcm16",
		Modalities:       []string{"text"},
		InputAudioTranscription: &oaiTranscription{
			Model:    "whisper-1",
			Language: cfg.OutputLanguage,
		},
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	if cfg.TurnDetection.Type != "" {
		params.TurnDetection = &oaiTurnDetection{
			Type:              cfg.TurnDetection.Type,
			Threshold:         cfg.TurnDetection.Threshold,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and translates them to
// realtime.Events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: evt.Transcript})

	case "response.function_call_arguments.delta":
		if evt.CallID == "" {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventToolCallDelta,
			CallID: evt.CallID,
			Delta:  evt.Delta,
		})

	case "response.function_call_arguments.done":
		s.emit(realtime.Event{
			Type:      realtime.EventToolCallDone,
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		})

	case "error":
		out := realtime.Event{Type: realtime.EventError, Message: "unknown error"}
		if evt.Error != nil {
			if evt.Error.Message != "" {
				out.Message = evt.Error.Message
			}
			out.Code = evt.Error.Code
		}
		s.emit(out)
	}
}

// emit delivers an event unless the session context is done.
func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// heartbeatLoop pings the transport at a fixed interval while connected.
// A failed ping is treated as connection loss: the session context is
// cancelled so the receive loop unwinds and the events channel closes.
func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("openai: heartbeat: %w", err))
					s.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// toOAITools converts realtime.ToolDefinition slice to Realtime tool format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// SendAudio transmits one base64-encoded PCM16 frame.
func (s *session) SendAudio(encoded string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// Events returns the channel on which provider events arrive.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
