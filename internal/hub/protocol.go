package hub

import (
	"time"

	"github.com/versecast/versecast/internal/detect"
)

// MessageType discriminates hub wire messages.
type MessageType string

const (
	// Client → server.
	TypeJoinSession         MessageType = "joinSession"
	TypeLeaveSession        MessageType = "leaveSession"
	TypeBroadcastTranscript MessageType = "broadcastTranscript"
	TypeBroadcastScripture  MessageType = "broadcastScripture"

	// Server → client.
	TypeReceiveTranscript MessageType = "receiveTranscript"
	TypeReceiveScripture  MessageType = "receiveScripture"
	TypeUserJoined        MessageType = "userJoined"
	TypeUserLeft          MessageType = "userLeft"
	TypeError             MessageType = "error"
)

// Message is the hub wire envelope. Fields are populated according to Type;
// unused fields are omitted on the wire.
type Message struct {
	Type        MessageType             `json:"type"`
	SessionCode string                  `json:"sessionCode,omitempty"`
	UserID      string                  `json:"userId,omitempty"`
	Timestamp   time.Time               `json:"timestamp,omitzero"`
	Transcript  string                  `json:"transcript,omitempty"`
	Detection   *detect.DetectionResult `json:"detection,omitempty"`
	Error       string                  `json:"error,omitempty"`
}
