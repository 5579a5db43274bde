// Package audio provides the client-side capture pipeline primitives: PCM
// frame buffering and base64 encoding for transport, plus format conversion
// for capture devices that do not produce the negotiated mono format.
package audio

import (
	"encoding/base64"
	"sync"
	"time"
)

// Default framing parameters.
const (
	// DefaultFrameDuration is the target duration of one transmitted frame.
	DefaultFrameDuration = 40 * time.Millisecond

	// DefaultMaxFlushInterval bounds worst-case latency: a partial frame is
	// flushed once this much time has passed since the last flush, even if the
	// target sample count has not been reached.
	DefaultMaxFlushInterval = 100 * time.Millisecond
)

// Sink receives one base64-encoded PCM16 frame per flush.
type Sink func(encoded string) error

// FrameEncoder accumulates raw sample blocks from a capture callback and
// flushes merged, base64-encoded frames to a [Sink].
//
// A flush happens when either the buffered sample count reaches the target
// frame size, or more than the max flush interval has elapsed since the last
// flush. Flushing only occurs while the encoder is started; blocks written
// before Start accumulate and are transmitted once streaming begins. After
// Close no frame is ever emitted, regardless of buffered data.
//
// All methods are safe for concurrent use.
type FrameEncoder struct {
	sampleRate   int
	frameSamples int
	maxInterval  time.Duration
	now          func() time.Time

	mu        sync.Mutex
	sink      Sink
	active    bool
	closed    bool
	buf       []int16
	lastFlush time.Time
}

// EncoderOption is a functional option for [NewFrameEncoder].
type EncoderOption func(*FrameEncoder)

// WithFrameDuration overrides the target frame duration.
func WithFrameDuration(d time.Duration) EncoderOption {
	return func(e *FrameEncoder) {
		if d > 0 {
			e.frameSamples = int(int64(e.sampleRate) * int64(d) / int64(time.Second))
		}
	}
}

// WithMaxFlushInterval overrides the latency bound between flushes.
func WithMaxFlushInterval(d time.Duration) EncoderOption {
	return func(e *FrameEncoder) {
		if d > 0 {
			e.maxInterval = d
		}
	}
}

// WithClock overrides the time source. Used in tests to drive the latency
// bound deterministically.
func WithClock(now func() time.Time) EncoderOption {
	return func(e *FrameEncoder) { e.now = now }
}

// NewFrameEncoder creates an encoder for mono PCM16 at the given sample rate.
func NewFrameEncoder(sampleRate int, opts ...EncoderOption) *FrameEncoder {
	e := &FrameEncoder{
		sampleRate:  sampleRate,
		maxInterval: DefaultMaxFlushInterval,
		now:         time.Now,
	}
	e.frameSamples = int(int64(sampleRate) * int64(DefaultFrameDuration) / int64(time.Second))
	for _, o := range opts {
		o(e)
	}
	e.lastFlush = e.now()
	return e
}

// Write appends a block of captured samples to the internal buffer and flushes
// if a flush condition is met. Writes after Close are dropped.
func (e *FrameEncoder) Write(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.buf = append(e.buf, block...)
	return e.maybeFlushLocked()
}

// Start attaches the transport sink and enables flushing. Any samples that
// accumulated while disconnected are eligible for the next flush. Calling
// Start on a closed encoder has no effect.
func (e *FrameEncoder) Start(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.sink = sink
	e.active = true
	e.lastFlush = e.now()
}

// Pause disables flushing while keeping buffered samples. Used while the
// streaming session is reconnecting.
func (e *FrameEncoder) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
}

// Flush forces transmission of any buffered samples. No-op when idle, paused
// or closed.
func (e *FrameEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || !e.active || len(e.buf) == 0 {
		return nil
	}
	return e.flushLocked()
}

// Close permanently stops the encoder and discards any buffered samples.
// Idempotent. No frame is emitted after Close returns.
func (e *FrameEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.active = false
	e.buf = nil
	e.sink = nil
}

// Buffered returns the number of samples currently held.
func (e *FrameEncoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// maybeFlushLocked flushes when the buffer reached the target frame size or
// the latency bound has elapsed. Caller must hold e.mu.
func (e *FrameEncoder) maybeFlushLocked() error {
	if !e.active || len(e.buf) == 0 {
		return nil
	}
	if len(e.buf) >= e.frameSamples || e.now().Sub(e.lastFlush) > e.maxInterval {
		return e.flushLocked()
	}
	return nil
}

// flushLocked concatenates the buffered blocks into one contiguous frame,
// base64-encodes it and hands it to the sink. Resets the buffer and the flush
// timestamp. Caller must hold e.mu.
func (e *FrameEncoder) flushLocked() error {
	encoded := base64.StdEncoding.EncodeToString(SamplesToBytes(e.buf))
	e.buf = nil
	e.lastFlush = e.now()

	if e.sink == nil {
		return nil
	}
	return e.sink(encoded)
}
