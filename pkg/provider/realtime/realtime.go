// Package realtime defines the provider-neutral interface for streaming
// transcription sessions: a duplex connection that accepts base64-encoded
// PCM16 audio frames and emits transcript deltas and incremental tool-call
// events.
package realtime

import "context"

// Provider opens streaming sessions against a realtime transcription backend.
type Provider interface {
	// Connect establishes a session. It blocks until the provider has
	// acknowledged session creation and the configuration message has been
	// sent, so audio may flow as soon as Connect returns.
	Connect(ctx context.Context, cfg SessionConfig) (Handle, error)
}

// Handle is one live provider connection.
type Handle interface {
	// SendAudio transmits one base64-encoded PCM16 frame.
	SendAudio(encoded string) error

	// Events returns the stream of provider events. The channel is closed
	// when the connection ends for any reason; consult Err afterwards.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean Close.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// SessionConfig is the one-shot configuration sent to the provider before any
// audio is forwarded.
type SessionConfig struct {
	// ClientSecret is the short-lived transport credential minted by the
	// token issuer. Single-use.
	ClientSecret string

	// Instructions is the system prompt steering detection behaviour.
	Instructions string

	// Tools declares the callable function schema the provider may invoke.
	Tools []ToolDefinition

	// TurnDetection tunes the provider's server-side voice activity detection.
	TurnDetection TurnDetection

	// OutputLanguage is the BCP-47 language tag for transcript output.
	// Empty means provider default.
	OutputLanguage string
}

// ToolDefinition declares one callable function exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TurnDetection holds server-side VAD parameters.
type TurnDetection struct {
	// Type selects the detection mode (e.g. "server_vad").
	Type string

	// Threshold is the activation threshold in [0,1]. Zero means default.
	Threshold float64

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int

	// PrefixPaddingMs is audio included before detected speech.
	PrefixPaddingMs int
}

// EventType discriminates the Event union.
type EventType int

const (
	// EventTranscriptDelta carries a fragment of live transcript text.
	EventTranscriptDelta EventType = iota

	// EventTranscriptDone carries a completed transcript segment.
	EventTranscriptDone

	// EventToolCallDelta carries one argument fragment for an in-flight
	// tool call, correlated by CallID.
	EventToolCallDelta

	// EventToolCallDone closes a tool call. Arguments holds the full
	// argument payload when the provider sends it inline.
	EventToolCallDone

	// EventError carries a provider-reported error. Non-fatal unless the
	// connection also closes.
	EventError
)

// Event is one provider-to-client message, already decoded from the wire.
type Event struct {
	Type EventType

	// Text holds transcript content for transcript events.
	Text string

	// CallID correlates tool-call deltas with their done event.
	CallID string

	// Delta is one argument fragment for EventToolCallDelta.
	Delta string

	// Name and Arguments are set on EventToolCallDone.
	Name      string
	Arguments string

	// Message and Code are set on EventError.
	Message string
	Code    string
}
