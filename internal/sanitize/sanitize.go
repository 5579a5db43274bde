// Package sanitize implements the remote JSON repair fallback: a small chat
// completion that rewrites a malformed tool-call payload into valid JSON.
//
// It is the last repair tier — the assembler only reaches it after local
// structural repair has failed — and it is guarded by a circuit breaker so a
// degraded upstream cannot add per-detection latency for long.
package sanitize

import (
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/versecast/versecast/internal/observe"
	"github.com/versecast/versecast/internal/resilience"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 10 * time.Second
)

const systemPrompt = `You repair malformed JSON. Reply with ONLY the corrected JSON document, no prose, no code fences. Preserve all data that is present; complete truncated structure; remove anything that cannot be valid JSON.`

// Option is a functional option for [Client].
type Option func(*Client)

// WithModel overrides the repair model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.met = m }
}

// Client calls a chat model to repair JSON documents. It implements
// detect.Sanitizer. All methods are safe for concurrent use.
type Client struct {
	client  oai.Client
	model   string
	baseURL string
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	met     *observe.Metrics
}

// New constructs a sanitizer client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sanitize: apiKey must not be empty")
	}

	c := &Client{
		model:   defaultModel,
		timeout: defaultTimeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "sanitizer",
		}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.met == nil {
		c.met = observe.DefaultMetrics()
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}
	c.client = oai.NewClient(reqOpts...)
	return c, nil
}

// Sanitize implements detect.Sanitizer.
func (c *Client) Sanitize(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	defer func() {
		c.met.SanitizeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var out string
	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.Chat.Completions.New(callCtx, oai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []oai.ChatCompletionMessageParamUnion{
				oai.SystemMessage(systemPrompt),
				oai.UserMessage(raw),
			},
		})
		if err != nil {
			return fmt.Errorf("sanitize: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("sanitize: empty choices in response")
		}
		out = stripFences(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// stripFences removes a markdown code fence the model may wrap the document
// in despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
