package hub_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/versecast/versecast/internal/detect"
	"github.com/versecast/versecast/internal/hub"
	"github.com/versecast/versecast/internal/store"
)

// startHubServer spins up the websocket front over a fresh hub and memstore.
func startHubServer(t *testing.T) (*store.MemStore, *hub.Hub, string) {
	t.Helper()
	st := store.NewMemStore()
	h := hub.New(st)
	srv := httptest.NewServer(hub.NewServer(h, st).Handler())
	t.Cleanup(srv.Close)
	return st, h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// waitMembers blocks until the session's group reaches the wanted size. Joins
// travel on independent connections, so tests sequence them explicitly.
func waitMembers(t *testing.T, h *hub.Hub, code string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Members(code) != want {
		if time.Now().After(deadline) {
			t.Fatalf("Members(%q) = %d, want %d", code, h.Members(code), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// dial opens a client connection to the hub endpoint.
func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg hub.Message) {
	t.Helper()
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func receive(t *testing.T, ctx context.Context, conn *websocket.Conn) hub.Message {
	t.Helper()
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var msg hub.Message
	if err := wsjson.Read(rctx, conn, &msg); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return msg
}

func TestServer_JoinAndBroadcastBetweenClients(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, h, url := startHubServer(t)
	sess := newActiveSession(t, st)

	alice := dial(t, ctx, url)
	bob := dial(t, ctx, url)

	send(t, ctx, alice, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	waitMembers(t, h, sess.Code, 1)
	send(t, ctx, bob, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "bob"})

	// Alice learns about bob.
	if msg := receive(t, ctx, alice); msg.Type != hub.TypeUserJoined || msg.UserID != "bob" {
		t.Fatalf("alice saw %+v, want bob's arrival", msg)
	}

	send(t, ctx, alice, hub.Message{Type: hub.TypeBroadcastTranscript, Transcript: "for God so loved"})
	if msg := receive(t, ctx, bob); msg.Type != hub.TypeReceiveTranscript || msg.Transcript != "for God so loved" {
		t.Fatalf("bob saw %+v, want alice's transcript", msg)
	}
}

func TestServer_BroadcastWithoutJoinErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, _, url := startHubServer(t)
	conn := dial(t, ctx, url)

	send(t, ctx, conn, hub.Message{Type: hub.TypeBroadcastTranscript, Transcript: "x"})
	if msg := receive(t, ctx, conn); msg.Type != hub.TypeError || msg.Error == "" {
		t.Fatalf("got %+v, want an error message", msg)
	}
}

func TestServer_JoinEndedSessionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _, url := startHubServer(t)
	sess, _ := st.Create(ctx)
	if err := st.End(ctx, sess.Code); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	conn := dial(t, ctx, url)
	send(t, ctx, conn, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	if msg := receive(t, ctx, conn); msg.Type != hub.TypeError {
		t.Fatalf("got %+v, want an error message", msg)
	}
}

func TestServer_BroadcastsArePersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, h, url := startHubServer(t)
	sess := newActiveSession(t, st)

	conn := dial(t, ctx, url)
	send(t, ctx, conn, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	waitMembers(t, h, sess.Code, 1)

	send(t, ctx, conn, hub.Message{Type: hub.TypeBroadcastTranscript, Transcript: "as it is written"})
	send(t, ctx, conn, hub.Message{
		Type: hub.TypeBroadcastScripture,
		Detection: &detect.DetectionResult{
			Transcript: "as it is written",
			Matches: []detect.Match{
				{Reference: "John 3:16", Quote: "for God so loved the world", Version: "KJV", Confidence: 0.95},
				{Reference: "not a reference", Confidence: 0.9},
			},
		},
	})

	// Writes land before the next read is served, but give the store a moment
	// in case the broadcast races the assertion.
	deadline := time.Now().Add(3 * time.Second)
	for {
		segs, err := st.Transcripts(ctx, sess.Code)
		if err != nil {
			t.Fatalf("Transcripts() error = %v", err)
		}
		refs, err := st.Scriptures(ctx, sess.Code)
		if err != nil {
			t.Fatalf("Scriptures() error = %v", err)
		}
		if len(segs) == 1 && len(refs) == 1 {
			if segs[0].Text != "as it is written" {
				t.Errorf("segment = %+v", segs[0])
			}
			r := refs[0]
			if r.Book != "John" || r.Chapter != 3 || r.Verse != 16 || r.Version != "KJV" {
				t.Errorf("reference = %+v, want John 3:16 KJV", r)
			}
			if r.Text != "for God so loved the world" {
				t.Errorf("quote = %q", r.Text)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted %d segments and %d references, want 1 and 1", len(segs), len(refs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RejectedBroadcastIsNotPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, h, url := startHubServer(t)
	sess := newActiveSession(t, st)

	conn := dial(t, ctx, url)
	send(t, ctx, conn, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	waitMembers(t, h, sess.Code, 1)

	sess.Status = store.StatusPaused
	if err := st.Update(ctx, sess); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	send(t, ctx, conn, hub.Message{Type: hub.TypeBroadcastTranscript, Transcript: "should be rejected"})
	if msg := receive(t, ctx, conn); msg.Type != hub.TypeError || msg.Error == "" {
		t.Fatalf("got %+v, want an error message", msg)
	}
	send(t, ctx, conn, hub.Message{
		Type: hub.TypeBroadcastScripture,
		Detection: &detect.DetectionResult{
			Matches: []detect.Match{{Reference: "John 3:16", Confidence: 0.95}},
		},
	})
	if msg := receive(t, ctx, conn); msg.Type != hub.TypeError || msg.Error == "" {
		t.Fatalf("got %+v, want an error message", msg)
	}

	// A refused broadcast leaves the session history untouched.
	segs, err := st.Transcripts(ctx, sess.Code)
	if err != nil {
		t.Fatalf("Transcripts() error = %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("persisted %d transcript segments, want 0", len(segs))
	}
	refs, err := st.Scriptures(ctx, sess.Code)
	if err != nil {
		t.Fatalf("Scriptures() error = %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("persisted %d scripture references, want 0", len(refs))
	}
}

func TestServer_LeaveAnnouncedToRemainingClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, h, url := startHubServer(t)
	sess := newActiveSession(t, st)

	alice := dial(t, ctx, url)
	bob := dial(t, ctx, url)
	send(t, ctx, alice, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	waitMembers(t, h, sess.Code, 1)
	send(t, ctx, bob, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "bob"})
	receive(t, ctx, alice) // bob's arrival

	send(t, ctx, bob, hub.Message{Type: hub.TypeLeaveSession})
	if msg := receive(t, ctx, alice); msg.Type != hub.TypeUserLeft || msg.UserID != "bob" {
		t.Fatalf("alice saw %+v, want bob's departure", msg)
	}
}

func TestServer_DisconnectIsImplicitLeave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, h, url := startHubServer(t)
	sess := newActiveSession(t, st)

	alice := dial(t, ctx, url)
	bob := dial(t, ctx, url)
	send(t, ctx, alice, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "alice"})
	waitMembers(t, h, sess.Code, 1)
	send(t, ctx, bob, hub.Message{Type: hub.TypeJoinSession, SessionCode: sess.Code, UserID: "bob"})
	receive(t, ctx, alice) // bob's arrival

	bob.Close(websocket.StatusNormalClosure, "done")
	if msg := receive(t, ctx, alice); msg.Type != hub.TypeUserLeft || msg.UserID != "bob" {
		t.Fatalf("alice saw %+v, want bob's departure", msg)
	}
}
