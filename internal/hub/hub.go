// Package hub fans live transcripts and scripture detections out to every
// participant of a session. Groups are keyed by session code and fully
// isolated from one another; within a group the sender never receives its own
// broadcast, and each broadcast is delivered to the remaining members in the
// order it was submitted.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/versecast/versecast/internal/detect"
	"github.com/versecast/versecast/internal/observe"
	"github.com/versecast/versecast/internal/store"
)

// outboxSize bounds the per-member delivery queue. A member that cannot keep
// up loses messages instead of stalling the whole group.
const outboxSize = 32

// SessionChecker is the narrow store view the hub needs to validate session
// state before admitting members and broadcasts.
type SessionChecker interface {
	Get(ctx context.Context, code string) (store.Session, error)
}

// Hub is a concurrent registry of broadcast groups. All methods are safe for
// concurrent use.
type Hub struct {
	sessions SessionChecker
	met      *observe.Metrics

	mu     sync.RWMutex
	groups map[string]*group
}

// Option is a functional option for [New].
type Option func(*Hub)

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.met = m }
}

// group holds the members of one session. Its mutex serialises joins, leaves
// and broadcasts for that session only, so traffic in one session never
// blocks another.
type group struct {
	mu      sync.Mutex
	members map[string]*Member
}

// Member is one participant's handle on a group. Messages fan in on Out.
type Member struct {
	UserID string
	code   string
	out    chan Message
}

// Out returns the member's delivery queue. The channel is closed when the
// member leaves.
func (m *Member) Out() <-chan Message { return m.out }

// New creates an empty hub validating sessions against the given store view.
func New(sessions SessionChecker, opts ...Option) *Hub {
	h := &Hub{
		sessions: sessions,
		groups:   make(map[string]*group),
	}
	for _, o := range opts {
		o(h)
	}
	if h.met == nil {
		h.met = observe.DefaultMetrics()
	}
	return h
}

// Join adds a user to a session's group and announces the arrival to the
// existing members. Joining an ended or unknown session is refused. A user ID
// already present in the group is replaced: the stale member is evicted
// first, which covers a client reconnecting before its old connection is
// reaped.
func (h *Hub) Join(ctx context.Context, code, userID string) (*Member, error) {
	sess, err := h.sessions.Get(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("hub: join %q: %w", code, err)
	}
	if sess.Status == store.StatusEnded {
		return nil, fmt.Errorf("hub: join %q: %w", code, store.ErrSessionEnded)
	}

	g := h.group(code)

	g.mu.Lock()
	defer g.mu.Unlock()

	if stale, ok := g.members[userID]; ok {
		close(stale.out)
		delete(g.members, userID)
		h.met.ActiveParticipants.Add(ctx, -1)
	}

	m := &Member{UserID: userID, code: code, out: make(chan Message, outboxSize)}
	announced := g.deliverLocked(userID, Message{Type: TypeUserJoined, SessionCode: code, UserID: userID, Timestamp: time.Now().UTC()})
	g.members[userID] = m
	h.met.ActiveParticipants.Add(ctx, 1)
	h.met.HubMessages.Add(ctx, int64(announced), metric.WithAttributes(observe.Attr("type", string(TypeUserJoined))))

	slog.Info("member joined", "session", code, "user", userID, "members", len(g.members))
	return m, nil
}

// Leave removes the member from its group and announces the departure.
// Safe to call for a member that already left.
func (h *Hub) Leave(m *Member) {
	h.mu.RLock()
	g, ok := h.groups[m.code]
	h.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.members[m.UserID]
	if !ok || current != m {
		return
	}
	delete(g.members, m.UserID)
	close(m.out)
	announced := g.deliverLocked(m.UserID, Message{Type: TypeUserLeft, SessionCode: m.code, UserID: m.UserID, Timestamp: time.Now().UTC()})
	h.met.ActiveParticipants.Add(context.Background(), -1)
	h.met.HubMessages.Add(context.Background(), int64(announced), metric.WithAttributes(observe.Attr("type", string(TypeUserLeft))))

	slog.Info("member left", "session", m.code, "user", m.UserID, "members", len(g.members))
}

// BroadcastTranscript fans a transcript segment out to every member of the
// session except the sender. The session must be active.
func (h *Hub) BroadcastTranscript(ctx context.Context, code, senderID, transcript string) error {
	return h.broadcast(ctx, code, senderID, Message{
		Type:        TypeReceiveTranscript,
		SessionCode: code,
		UserID:      senderID,
		Transcript:  transcript,
	})
}

// BroadcastScripture fans a scripture detection out to every member of the
// session except the sender. The session must be active.
func (h *Hub) BroadcastScripture(ctx context.Context, code, senderID string, d detect.DetectionResult) error {
	return h.broadcast(ctx, code, senderID, Message{
		Type:        TypeReceiveScripture,
		SessionCode: code,
		UserID:      senderID,
		Detection:   &d,
	})
}

// Members reports the current size of a session's group.
func (h *Hub) Members(code string) int {
	h.mu.RLock()
	g, ok := h.groups[code]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// activeSession admits a broadcast: the session must exist and be active.
// Ended sessions surface store.ErrSessionEnded so callers can tell terminal
// refusal from a pause.
func (h *Hub) activeSession(ctx context.Context, code string) error {
	sess, err := h.sessions.Get(ctx, code)
	if err != nil {
		return fmt.Errorf("hub: broadcast to %q: %w", code, err)
	}
	if sess.Status == store.StatusEnded {
		return fmt.Errorf("hub: broadcast to %q: %w", code, store.ErrSessionEnded)
	}
	if sess.Status != store.StatusActive {
		return fmt.Errorf("hub: broadcast to %q: session is %s, not active", code, sess.Status)
	}
	return nil
}

func (h *Hub) broadcast(ctx context.Context, code, senderID string, msg Message) error {
	if err := h.activeSession(ctx, code); err != nil {
		return err
	}

	h.mu.RLock()
	g, ok := h.groups[code]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	// The group lock makes delivery atomic per session: two broadcasts from
	// different senders are observed in the same order by every member.
	g.mu.Lock()
	delivered := g.deliverLocked(senderID, msg)
	g.mu.Unlock()

	h.met.HubMessages.Add(ctx, int64(delivered), metric.WithAttributes(observe.Attr("type", string(msg.Type))))
	return nil
}

// deliverLocked queues msg on every member except the excluded one and
// returns the number of successful deliveries. Caller must hold g.mu. A full
// outbox drops the message for that member only.
func (g *group) deliverLocked(exclude string, msg Message) int {
	delivered := 0
	for id, m := range g.members {
		if id == exclude {
			continue
		}
		select {
		case m.out <- msg:
			delivered++
		default:
			slog.Warn("hub outbox full, dropping message",
				"session", msg.SessionCode,
				"user", id,
				"type", msg.Type,
			)
		}
	}
	return delivered
}

// group returns the session's group, creating it on first use.
func (h *Hub) group(code string) *group {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[code]
	if !ok {
		g = &group{members: make(map[string]*Member)}
		h.groups[code] = g
	}
	return g
}
