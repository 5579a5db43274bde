package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/versecast/versecast/internal/detect"
	"github.com/versecast/versecast/internal/store"
)

// writeTimeout bounds a single outbound websocket write.
const writeTimeout = 5 * time.Second

// Server exposes the hub over a websocket endpoint. Each connection belongs
// to one user and may participate in at most one session at a time; the
// connection closing is an implicit leave.
type Server struct {
	hub *Hub
	st  store.Store
}

// NewServer wires a websocket front onto the hub. Broadcast payloads are
// persisted to st before fan-out so late joiners can catch up from the store.
func NewServer(h *Hub, st store.Store) *Server {
	return &Server{hub: h, st: st}
}

// Handler returns the websocket upgrade handler.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		s.serve(r.Context(), conn)
	}
}

// serve runs one connection to completion.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	var (
		member *Member
		pump   context.CancelFunc
	)
	defer func() {
		if member != nil {
			s.hub.Leave(member)
			pump()
		}
	}()

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("hub read ended", "err", err)
			}
			return
		}

		switch msg.Type {
		case TypeJoinSession:
			if member != nil {
				s.hub.Leave(member)
				pump()
				member, pump = nil, nil
			}
			m, err := s.hub.Join(ctx, msg.SessionCode, msg.UserID)
			if err != nil {
				s.writeError(ctx, conn, err)
				continue
			}
			member = m
			var pumpCtx context.Context
			pumpCtx, pump = context.WithCancel(ctx)
			go s.writePump(pumpCtx, conn, m)

		case TypeLeaveSession:
			if member != nil {
				s.hub.Leave(member)
				pump()
				member, pump = nil, nil
			}

		case TypeBroadcastTranscript:
			if member == nil {
				s.writeError(ctx, conn, errors.New("hub: not joined to a session"))
				continue
			}
			// A refused broadcast must not touch the session history, so the
			// admission check runs before anything is persisted.
			if err := s.hub.activeSession(ctx, member.code); err != nil {
				s.writeError(ctx, conn, err)
				continue
			}
			seg := store.TranscriptSegment{
				Text:      msg.Transcript,
				Timestamp: time.Now(),
			}
			if _, err := s.st.AppendTranscript(ctx, member.code, seg); err != nil {
				s.writeError(ctx, conn, err)
				continue
			}
			if err := s.hub.BroadcastTranscript(ctx, member.code, member.UserID, msg.Transcript); err != nil {
				s.writeError(ctx, conn, err)
			}

		case TypeBroadcastScripture:
			if member == nil {
				s.writeError(ctx, conn, errors.New("hub: not joined to a session"))
				continue
			}
			if msg.Detection == nil {
				continue
			}
			if err := s.hub.activeSession(ctx, member.code); err != nil {
				s.writeError(ctx, conn, err)
				continue
			}
			if err := s.persistDetection(ctx, member.code, *msg.Detection); err != nil {
				s.writeError(ctx, conn, err)
				continue
			}
			if err := s.hub.BroadcastScripture(ctx, member.code, member.UserID, *msg.Detection); err != nil {
				s.writeError(ctx, conn, err)
			}

		default:
			slog.Debug("unknown hub message type", "type", msg.Type)
		}
	}
}

// writePump drains the member's outbox onto the connection. A write failure
// ends the pump; the read loop observes the broken connection independently.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, m *Member) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.Out():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				slog.Debug("hub write failed", "user", m.UserID, "err", err)
				return
			}
		}
	}
}

func (s *Server) persistDetection(ctx context.Context, code string, d detect.DetectionResult) error {
	for _, m := range d.Matches {
		book, chapter, verse, ok := detect.ParseReference(m.Reference)
		if !ok {
			slog.Debug("skipping unparseable reference", "reference", m.Reference)
			continue
		}
		ref := store.ScriptureReference{
			Book:       book,
			Chapter:    chapter,
			Verse:      verse,
			Version:    m.Version,
			Text:       m.Quote,
			Confidence: m.Confidence,
		}
		if _, err := s.st.AppendScripture(ctx, code, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, err error) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, conn, Message{Type: TypeError, Error: err.Error()})
}
