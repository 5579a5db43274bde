package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/versecast/versecast/internal/session"
	"github.com/versecast/versecast/internal/token"
	"github.com/versecast/versecast/pkg/provider/realtime"
	"github.com/versecast/versecast/pkg/provider/realtime/mock"
)

// mintingIssuer hands out a fresh single-use credential per call.
type mintingIssuer struct {
	mu     sync.Mutex
	issued int
	err    error
}

func (i *mintingIssuer) Issue(context.Context) (*token.Credential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	i.issued++
	return token.NewCredential("sk-test", time.Now().Add(time.Minute)), nil
}

func (i *mintingIssuer) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued
}

// stallingIssuer holds Issue open until released, then fails.
type stallingIssuer struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (i *stallingIssuer) Issue(context.Context) (*token.Credential, error) {
	close(i.entered)
	<-i.release
	return nil, i.err
}

// waitFor reads session events until one satisfies pred or the timeout fires.
func waitFor(t *testing.T, events <-chan session.Event, pred func(session.Event) bool) session.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if pred(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_ReachesConnectedAndConfiguresProvider(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Session: mock.NewSession()}
	s := session.New(provider, &mintingIssuer{}, session.Config{
		BibleVersion:   "KJV",
		OutputLanguage: "en",
	})
	defer s.Disconnect()

	if got := s.State(); got != session.StateDisconnected {
		t.Fatalf("initial State() = %v, want disconnected", got)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.State(); got != session.StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}

	waitFor(t, s.Events(), func(e session.Event) bool {
		return e.Kind == session.KindStateChange && e.State == session.StateConnecting
	})
	waitFor(t, s.Events(), func(e session.Event) bool {
		return e.Kind == session.KindStateChange && e.State == session.StateConnected
	})

	if provider.ConnectCount() != 1 {
		t.Fatalf("ConnectCount() = %d, want 1", provider.ConnectCount())
	}
	cfg := provider.ConnectCalls[0].Cfg
	if cfg.ClientSecret != "sk-test" {
		t.Errorf("ClientSecret = %q, want the issued secret", cfg.ClientSecret)
	}
	if cfg.Instructions == "" {
		t.Error("Instructions empty, want the default prompt")
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "report_scripture" {
		t.Errorf("Tools = %+v, want one report_scripture tool", cfg.Tools)
	}
	if cfg.TurnDetection.Type != "server_vad" {
		t.Errorf("TurnDetection.Type = %q, want server_vad", cfg.TurnDetection.Type)
	}
	if cfg.OutputLanguage != "en" {
		t.Errorf("OutputLanguage = %q, want en", cfg.OutputLanguage)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Session: mock.NewSession()}
	s := session.New(provider, &mintingIssuer{}, session.Config{})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := provider.ConnectCount(); got != 1 {
		t.Errorf("ConnectCount() = %d, want 1", got)
	}
}

func TestConnect_CredentialFailureTransitionsToFailed(t *testing.T) {
	t.Parallel()

	issuer := &mintingIssuer{err: errors.New("mint unavailable")}
	s := session.New(&mock.Provider{}, issuer, session.Config{})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want credential failure")
	}
	if got := s.State(); got != session.StateFailed {
		t.Errorf("State() = %v, want failed", got)
	}
	evt := waitFor(t, s.Events(), func(e session.Event) bool {
		return e.Kind == session.KindError
	})
	if evt.Err == "" {
		t.Error("error event carries no message")
	}
}

func TestConnect_RetryAfterFailureDialsAgain(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{ConnectErr: errors.New("upstream down")}
	issuer := &mintingIssuer{}
	s := session.New(provider, issuer, session.Config{})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want dial failure")
	}
	if got := s.State(); got != session.StateFailed {
		t.Fatalf("State() = %v, want failed", got)
	}

	provider.ConnectErr = nil
	provider.Session = mock.NewSession()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect Connect() error = %v", err)
	}
	if got := s.State(); got != session.StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
	// Each attempt consumes a fresh credential, never a spent one.
	if got := issuer.count(); got != 2 {
		t.Errorf("credentials issued = %d, want 2", got)
	}
}

func TestConnect_AudioFlowsOnlyAfterConfiguration(t *testing.T) {
	t.Parallel()

	handle := mock.NewSession()
	provider := &mock.Provider{Session: handle}
	s := session.New(provider, &mintingIssuer{}, session.Config{})
	defer s.Disconnect()

	// Samples written before Connect accumulate; nothing reaches the provider.
	if err := s.Encoder().Write(make([]int16, 2000)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := len(handle.Frames()); got != 0 {
		t.Fatalf("frames before Connect = %d, want 0", got)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The next write finds a full frame and a live sink.
	if err := s.Encoder().Write(make([]int16, 10)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := len(handle.Frames()); got == 0 {
		t.Fatal("no audio frame reached the provider after Connect")
	}
}

// ── Event translation ─────────────────────────────────────────────────────────

func TestEvents_TranscriptAndDetection(t *testing.T) {
	t.Parallel()

	handle := mock.NewSession()
	provider := &mock.Provider{Session: handle}
	s := session.New(provider, &mintingIssuer{}, session.Config{
		BibleVersion: "KJV",
	})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	handle.EventsCh <- realtime.Event{Type: realtime.EventTranscriptDelta, Text: "for God"}
	handle.EventsCh <- realtime.Event{Type: realtime.EventTranscriptDone, Text: "for God so loved the world"}
	handle.EventsCh <- realtime.Event{Type: realtime.EventToolCallDelta, CallID: "c1", Delta: `{"transcript":"for God so loved",`}
	handle.EventsCh <- realtime.Event{Type: realtime.EventToolCallDelta, CallID: "c1", Delta: `"matches":[{"reference":"John 3:16","confidence":0.95}]}`}
	handle.EventsCh <- realtime.Event{Type: realtime.EventToolCallDone, CallID: "c1"}

	delta := waitFor(t, s.Events(), func(e session.Event) bool { return e.Kind == session.KindTranscript && !e.Final })
	if delta.Text != "for God" {
		t.Errorf("delta text = %q", delta.Text)
	}
	final := waitFor(t, s.Events(), func(e session.Event) bool { return e.Kind == session.KindTranscript && e.Final })
	if final.Text != "for God so loved the world" {
		t.Errorf("final text = %q", final.Text)
	}
	det := waitFor(t, s.Events(), func(e session.Event) bool { return e.Kind == session.KindDetection })
	if len(det.Detection.Matches) != 1 || det.Detection.Matches[0].Reference != "John 3:16" {
		t.Errorf("detection = %+v", det.Detection)
	}
	if det.Detection.Matches[0].Version != "KJV" {
		t.Errorf("version = %q, want session default applied", det.Detection.Matches[0].Version)
	}
}

func TestEvents_ProviderErrorSurfaced(t *testing.T) {
	t.Parallel()

	handle := mock.NewSession()
	provider := &mock.Provider{Session: handle}
	s := session.New(provider, &mintingIssuer{}, session.Config{})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	handle.EventsCh <- realtime.Event{Type: realtime.EventError, Message: "rate limited", Code: "429"}

	evt := waitFor(t, s.Events(), func(e session.Event) bool { return e.Kind == session.KindError })
	if evt.Err != "rate limited" {
		t.Errorf("error text = %q", evt.Err)
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func TestTransportLoss_ReturnsToDisconnected(t *testing.T) {
	t.Parallel()

	handle := mock.NewSession()
	handle.ErrVal = errors.New("connection reset")
	provider := &mock.Provider{Session: handle}
	s := session.New(provider, &mintingIssuer{}, session.Config{})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	handle.Close()

	waitFor(t, s.Events(), func(e session.Event) bool {
		return e.Kind == session.KindStateChange && e.State == session.StateDisconnected
	})
	if got := s.State(); got != session.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestDisconnect_IsTerminal(t *testing.T) {
	t.Parallel()

	handle := mock.NewSession()
	provider := &mock.Provider{Session: handle}
	s := session.New(provider, &mintingIssuer{}, session.Config{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.Disconnect()
	s.Disconnect() // safe to repeat

	if !handle.Closed() {
		t.Error("provider handle not closed by Disconnect")
	}

	// Events channel drains then closes.
	deadline := time.After(3 * time.Second)
drain:
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("event channel never closed after Disconnect")
		}
	}

	if err := s.Connect(context.Background()); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Connect() after Disconnect error = %v, want ErrSessionClosed", err)
	}
}

func TestDisconnect_BeforeConnectIsSafe(t *testing.T) {
	t.Parallel()

	s := session.New(&mock.Provider{}, &mintingIssuer{}, session.Config{})
	s.Disconnect()
	if got := s.State(); got != session.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestDisconnect_DuringConnectCredentialFailure(t *testing.T) {
	t.Parallel()

	issuer := &stallingIssuer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("mint unavailable"),
	}
	s := session.New(&mock.Provider{}, issuer, session.Config{})

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("Connect panicked: %v", r)
			}
		}()
		done <- s.Connect(context.Background())
	}()

	// Tear the session down while Connect is stuck fetching a credential,
	// then let the fetch fail.
	<-issuer.entered
	s.Disconnect()
	close(issuer.release)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Connect() error = nil, want credential failure")
		}
		if strings.Contains(err.Error(), "panicked") {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect never returned")
	}
	if got := s.State(); got != session.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestConnect_WhileConnectingIsNoOp(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	provider := &mock.Provider{Session: mock.NewSession(), ConnectDelay: release}
	s := session.New(provider, &mintingIssuer{}, session.Config{})
	defer s.Disconnect()

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	// Wait until the first dial is in flight, then try connecting again.
	deadline := time.Now().Add(3 * time.Second)
	for provider.ConnectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first Connect never dialed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("concurrent Connect() error = %v", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect never returned")
	}
	if got := provider.ConnectCount(); got != 1 {
		t.Errorf("ConnectCount() = %d, want 1", got)
	}
}
