// Package detect reconstructs scripture-detection events from the provider's
// incremental tool-call stream.
//
// The provider emits tool-call arguments as an ordered sequence of text
// deltas per call id, closed by a done event. The [Assembler] accumulates the
// fragments, repairs truncated payloads where possible, validates the result
// against the session's confidence and reference limits, and emits one
// [DetectionResult] per successfully completed call. Malformed payloads are
// dropped silently — they are an expected, recoverable occurrence.
package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/versecast/versecast/internal/observe"
)

// DefaultCallTTL is how long an in-flight call buffer may go without a done
// event before it is evicted.
const DefaultCallTTL = 2 * time.Minute

// Match is one ranked scripture citation inside a detection result.
type Match struct {
	Reference  string  `json:"reference"`
	Quote      string  `json:"quote,omitempty"`
	Version    string  `json:"version,omitempty"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult is the validated output of one completed tool call.
type DetectionResult struct {
	Transcript string  `json:"transcript"`
	Matches    []Match `json:"matches"`
}

// Sanitizer is the remote JSON repair dependency, consulted only after local
// structural repair has failed.
type Sanitizer interface {
	// Sanitize returns a repaired JSON document, or an error when the input
	// cannot be salvaged.
	Sanitize(ctx context.Context, raw string) (string, error)
}

// Options configures an [Assembler].
type Options struct {
	// MinConfidence filters out matches below this threshold.
	MinConfidence float64

	// MaxReferences caps the number of matches per result. Zero means no cap.
	MaxReferences int

	// DefaultVersion is applied to matches that carry no version of their own.
	DefaultVersion string

	// CallTTL bounds how long an abandoned call buffer is retained.
	// Defaults to [DefaultCallTTL].
	CallTTL time.Duration

	// Sanitizer is the remote repair fallback. May be nil, in which case
	// unrepairable payloads are dropped after local repair fails.
	Sanitizer Sanitizer

	// Metrics receives detection and repair counters. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// pendingCall accumulates argument fragments for one in-flight call id.
type pendingCall struct {
	buf     strings.Builder
	created time.Time
}

// Assembler reconstructs one JSON document per provider call id from streamed
// argument deltas. All methods are safe for concurrent use, though the
// expected caller is a single session event loop.
type Assembler struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New creates an [Assembler].
func New(opts Options) *Assembler {
	if opts.CallTTL <= 0 {
		opts.CallTTL = DefaultCallTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Assembler{
		opts:    opts,
		now:     time.Now,
		pending: make(map[string]*pendingCall),
	}
}

// Delta appends one argument fragment to the buffer for callID, creating the
// buffer on first sight of the id.
func (a *Assembler) Delta(callID, delta string) {
	if callID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.sweepLocked()

	pc, ok := a.pending[callID]
	if !ok {
		pc = &pendingCall{created: a.now()}
		a.pending[callID] = pc
	}
	pc.buf.WriteString(delta)
}

// Done closes the call: it takes the accumulated buffer (falling back to the
// inline argument payload carried on the done event), removes the buffer
// entry, and attempts parse → local repair → remote repair. On success the
// validated result is returned with ok=true; every failure path returns
// ok=false and never an error — malformed provider output is dropped, not
// raised.
func (a *Assembler) Done(ctx context.Context, callID, inline string) (DetectionResult, bool) {
	a.mu.Lock()
	raw := inline
	if pc, ok := a.pending[callID]; ok {
		if buffered := pc.buf.String(); buffered != "" {
			raw = buffered
		}
		delete(a.pending, callID)
	}
	a.sweepLocked()
	a.mu.Unlock()

	if strings.TrimSpace(raw) == "" {
		return DetectionResult{}, false
	}

	payload, ok := a.parse(raw)
	if !ok {
		payload, ok = a.repair(ctx, raw)
		if !ok {
			slog.Debug("dropping unrepairable tool call payload",
				"call_id", callID,
				"bytes", len(raw),
			)
			a.opts.Metrics.RecordDetection(ctx, "dropped")
			return DetectionResult{}, false
		}
	}

	result := a.validate(payload)
	if len(result.Matches) == 0 {
		a.opts.Metrics.RecordDetection(ctx, "filtered")
		return DetectionResult{}, false
	}
	a.opts.Metrics.RecordDetection(ctx, "delivered")
	return result, true
}

// Reset discards all in-flight call buffers. Called on transport loss so
// partial results are never surfaced.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.pending)
}

// Sweep evicts call buffers older than the configured TTL and returns the
// number evicted. Eviction also happens opportunistically on Delta and Done.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked()
}

// PendingCount returns the number of in-flight call buffers.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// sweepLocked removes expired buffers. Caller must hold a.mu.
func (a *Assembler) sweepLocked() int {
	cutoff := a.now().Add(-a.opts.CallTTL)
	evicted := 0
	for id, pc := range a.pending {
		if pc.created.Before(cutoff) {
			delete(a.pending, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("evicted abandoned call buffers", "count", evicted)
	}
	return evicted
}

// parse decodes raw into the detection payload shape. A type mismatch (e.g.
// transcript carried as a number) fails the parse, which routes the payload
// through the repair tiers.
func (a *Assembler) parse(raw string) (DetectionResult, bool) {
	var payload DetectionResult
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return DetectionResult{}, false
	}
	return payload, true
}

// repair tries the tiered repair strategies in order, short-circuiting on the
// first that yields a parseable document: structural bracket balancing first
// (cheap, local), then the remote sanitizer.
func (a *Assembler) repair(ctx context.Context, raw string) (DetectionResult, bool) {
	if fixed, ok := BalanceBrackets(raw); ok {
		if payload, ok := a.parse(fixed); ok {
			slog.Debug("repaired truncated tool call payload locally", "bytes", len(raw))
			a.opts.Metrics.RecordRepair(ctx, "local")
			return payload, true
		}
	}

	if a.opts.Sanitizer == nil {
		return DetectionResult{}, false
	}
	fixed, err := a.opts.Sanitizer.Sanitize(ctx, raw)
	if err != nil {
		slog.Debug("remote payload repair failed", "err", err)
		return DetectionResult{}, false
	}
	payload, ok := a.parse(fixed)
	if ok {
		a.opts.Metrics.RecordRepair(ctx, "remote")
	}
	return payload, ok
}

// validate applies the session's filtering rules: matches must carry a
// non-empty reference and a confidence at or above the minimum; the list is
// truncated to the reference cap preserving provider order; matches without a
// version get the session default. Book names are canonicalized so that
// transcription spellings ("Jon 3:16") collapse onto their canonical form.
func (a *Assembler) validate(payload DetectionResult) DetectionResult {
	out := DetectionResult{Transcript: payload.Transcript}

	for _, m := range payload.Matches {
		m.Reference = strings.TrimSpace(m.Reference)
		if m.Reference == "" || m.Confidence < a.opts.MinConfidence {
			continue
		}
		m.Reference = NormalizeReference(m.Reference)
		if m.Version == "" {
			m.Version = a.opts.DefaultVersion
		}
		out.Matches = append(out.Matches, m)
		if a.opts.MaxReferences > 0 && len(out.Matches) >= a.opts.MaxReferences {
			break
		}
	}
	return out
}
