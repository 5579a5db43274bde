package token_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/versecast/versecast/internal/token"
)

// startSessionsAPI mocks the provider's ephemeral-session REST endpoint.
func startSessionsAPI(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestMint_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	var gotAuth, gotBeta, gotModel string
	url := startSessionsAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model

		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      "ek-ephemeral",
				"expires_at": time.Now().Add(time.Minute).Unix(),
			},
		})
	})

	m, err := token.NewMinter("sk-api-key",
		token.WithSessionsURL(url),
		token.WithMintModel("gpt-4o-realtime-preview"),
	)
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}

	cred, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if gotAuth != "Bearer sk-api-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBeta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", gotBeta)
	}
	if gotModel != "gpt-4o-realtime-preview" {
		t.Errorf("model = %q", gotModel)
	}

	secret, err := cred.Take()
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if secret != "ek-ephemeral" {
		t.Errorf("secret = %q", secret)
	}
}

func TestMint_UpstreamFailure(t *testing.T) {
	t.Parallel()

	url := startSessionsAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	m, err := token.NewMinter("sk-api-key", token.WithSessionsURL(url))
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}
	if _, err := m.Mint(context.Background()); err == nil {
		t.Error("Mint() error = nil, want upstream failure")
	}
}

func TestMint_MissingSecretRejected(t *testing.T) {
	t.Parallel()

	url := startSessionsAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})

	m, err := token.NewMinter("sk-api-key", token.WithSessionsURL(url))
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}
	if _, err := m.Mint(context.Background()); err == nil {
		t.Error("Mint() error = nil, want missing secret rejection")
	}
}

func TestNewMinter_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := token.NewMinter(""); err == nil {
		t.Error("NewMinter(\"\") error = nil, want error")
	}
}

func TestHandlerAndIssuer_RoundTrip(t *testing.T) {
	t.Parallel()

	upstream := startSessionsAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      "ek-ephemeral",
				"expires_at": time.Now().Add(time.Minute).Unix(),
			},
		})
	})

	m, err := token.NewMinter("sk-api-key", token.WithSessionsURL(upstream))
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}
	endpoint := httptest.NewServer(m.Handler())
	t.Cleanup(endpoint.Close)

	issuer := token.NewIssuer(endpoint.URL)
	cred, err := issuer.Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	secret, err := cred.Take()
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if secret != "ek-ephemeral" {
		t.Errorf("secret = %q", secret)
	}
}

func TestHandler_RejectsGet(t *testing.T) {
	t.Parallel()

	m, err := token.NewMinter("sk-api-key")
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}
	endpoint := httptest.NewServer(m.Handler())
	t.Cleanup(endpoint.Close)

	resp, err := http.Get(endpoint.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
