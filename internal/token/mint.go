package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/versecast/versecast/internal/resilience"
)

const (
	defaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"
	defaultMintModel   = "gpt-4o-realtime-preview"
	mintTimeout        = 10 * time.Second
)

// Minter creates ephemeral realtime credentials via the provider's REST API.
// It holds the long-lived API key, which never leaves the server.
type Minter struct {
	apiKey      string
	model       string
	sessionsURL string
	httpClient  *http.Client
	breaker     *resilience.CircuitBreaker
}

// MinterOption is a functional option for [NewMinter].
type MinterOption func(*Minter)

// WithMintModel sets the realtime model the minted session is bound to.
func WithMintModel(model string) MinterOption {
	return func(m *Minter) { m.model = model }
}

// WithSessionsURL overrides the provider REST endpoint. Used in tests.
func WithSessionsURL(url string) MinterOption {
	return func(m *Minter) { m.sessionsURL = url }
}

// NewMinter creates a [Minter].
func NewMinter(apiKey string, opts ...MinterOption) (*Minter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("token: apiKey must not be empty")
	}
	m := &Minter{
		apiKey:      apiKey,
		model:       defaultMintModel,
		sessionsURL: defaultSessionsURL,
		httpClient:  &http.Client{Timeout: mintTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "token-minter",
		}),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// mintRequest is the provider REST payload for creating an ephemeral session.
type mintRequest struct {
	Model string `json:"model"`
}

// mintResponse is the subset of the provider response we consume.
type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint creates one ephemeral credential.
func (m *Minter) Mint(ctx context.Context) (*Credential, error) {
	var cred *Credential
	err := m.breaker.Execute(func() error {
		body, err := json.Marshal(mintRequest{Model: m.model})
		if err != nil {
			return fmt.Errorf("token: marshal mint request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.sessionsURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("token: build mint request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("OpenAI-Beta", "realtime=v1")

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("token: mint request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("token: mint failed with status %d: %s", resp.StatusCode, payload)
		}

		var out mintResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("token: decode mint response: %w", err)
		}
		if out.ClientSecret.Value == "" {
			return fmt.Errorf("token: mint response carried no client secret")
		}

		cred = NewCredential(out.ClientSecret.Value, time.Unix(out.ClientSecret.ExpiresAt, 0))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// tokenResponse is the versecast wire format between Handler and Issuer.
type tokenResponse struct {
	Secret    string `json:"secret"`
	ExpiresAt int64  `json:"expires_at"`
}

// Handler returns the HTTP handler for the credential endpoint. POST only.
func (m *Minter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		cred, err := m.Mint(r.Context())
		if err != nil {
			slog.Error("credential mint failed", "err", err)
			http.Error(w, "credential mint failed", http.StatusBadGateway)
			return
		}

		secret, err := cred.Take()
		if err != nil {
			http.Error(w, "credential unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			Secret:    secret,
			ExpiresAt: cred.ExpiresAt().Unix(),
		})
	}
}

// Issuer fetches credentials from a versecast server's credential endpoint.
// It is the client-side counterpart of [Minter.Handler] and implements the
// issuer dependency of the streaming session.
type Issuer struct {
	url        string
	httpClient *http.Client
}

// NewIssuer creates an [Issuer] for the given endpoint URL.
func NewIssuer(url string) *Issuer {
	return &Issuer{
		url:        url,
		httpClient: &http.Client{Timeout: mintTimeout},
	}
}

// Issue fetches one fresh credential.
func (i *Issuer) Issue(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, nil)
	if err != nil {
		return nil, fmt.Errorf("token: build issue request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: issue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token: issue failed with status %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("token: decode issue response: %w", err)
	}
	if out.Secret == "" {
		return nil, fmt.Errorf("token: issue response carried no secret")
	}
	return NewCredential(out.Secret, time.Unix(out.ExpiresAt, 0)), nil
}
