package audio_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/versecast/versecast/pkg/audio"
)

// collectSink returns a Sink that decodes each flushed frame back to samples
// and appends it to the returned slice.
func collectSink(t *testing.T, frames *[][]int16) audio.Sink {
	t.Helper()
	return func(encoded string) error {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("sink received invalid base64: %v", err)
		}
		*frames = append(*frames, audio.BytesToSamples(data))
		return nil
	}
}

// ramp returns n samples with increasing values starting at base.
func ramp(base, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(base + i)
	}
	return out
}

func TestWrite_FlushesAtFrameSize(t *testing.T) {
	t.Parallel()

	// 24 kHz at 40 ms → 960 samples per frame.
	enc := audio.NewFrameEncoder(24000)

	var frames [][]int16
	enc.Start(collectSink(t, &frames))

	if err := enc.Write(ramp(0, 500)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("flushed %d frames before reaching frame size", len(frames))
	}

	if err := enc.Write(ramp(500, 500)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames; want 1", len(frames))
	}
	if len(frames[0]) != 1000 {
		t.Errorf("frame has %d samples; want 1000 (entire buffer merged)", len(frames[0]))
	}
}

func TestWrite_ConservesEverySample(t *testing.T) {
	t.Parallel()

	enc := audio.NewFrameEncoder(24000, audio.WithFrameDuration(10*time.Millisecond))

	var frames [][]int16
	enc.Start(collectSink(t, &frames))

	const total = 2400
	written := ramp(0, total)
	for i := 0; i < total; i += 100 {
		if err := enc.Write(written[i : i+100]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var got []int16
	for _, f := range frames {
		got = append(got, f...)
	}
	if len(got) != total {
		t.Fatalf("received %d samples; want %d", len(got), total)
	}
	for i := range got {
		if got[i] != written[i] {
			t.Fatalf("sample %d = %d; want %d (order not preserved)", i, got[i], written[i])
		}
	}
}

func TestWrite_LatencyBoundForcesPartialFlush(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	enc := audio.NewFrameEncoder(24000,
		audio.WithClock(func() time.Time { return clock }),
	)

	var frames [][]int16
	enc.Start(collectSink(t, &frames))

	if err := enc.Write(ramp(0, 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(frames) != 0 {
		t.Fatal("partial frame flushed before latency bound")
	}

	clock = clock.Add(audio.DefaultMaxFlushInterval + time.Millisecond)
	if err := enc.Write(ramp(10, 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames after latency bound; want 1", len(frames))
	}
	if len(frames[0]) != 20 {
		t.Errorf("partial frame has %d samples; want 20", len(frames[0]))
	}
}

func TestWrite_BeforeStartAccumulates(t *testing.T) {
	t.Parallel()

	enc := audio.NewFrameEncoder(24000, audio.WithFrameDuration(10*time.Millisecond))

	// 240 samples per frame at this duration; write four frames' worth while
	// disconnected.
	if err := enc.Write(ramp(0, 960)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := enc.Buffered(); got != 960 {
		t.Fatalf("Buffered() = %d; want 960", got)
	}

	var frames [][]int16
	enc.Start(collectSink(t, &frames))
	if err := enc.Write(ramp(960, 40)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(frames) != 1 {
		t.Fatalf("got %d frames; want 1", len(frames))
	}
	if len(frames[0]) != 1000 {
		t.Errorf("frame has %d samples; want all 1000 accumulated samples", len(frames[0]))
	}
}

func TestPause_StopsFlushingKeepsBuffer(t *testing.T) {
	t.Parallel()

	enc := audio.NewFrameEncoder(24000, audio.WithFrameDuration(10*time.Millisecond))

	var frames [][]int16
	enc.Start(collectSink(t, &frames))
	enc.Pause()

	if err := enc.Write(ramp(0, 1000)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("flushed %d frames while paused", len(frames))
	}
	if got := enc.Buffered(); got != 1000 {
		t.Errorf("Buffered() = %d; want 1000", got)
	}
}

func TestClose_DiscardsBufferAndGatesEmission(t *testing.T) {
	t.Parallel()

	enc := audio.NewFrameEncoder(24000)

	var frames [][]int16
	enc.Start(collectSink(t, &frames))

	if err := enc.Write(ramp(0, 100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	enc.Close()

	if got := enc.Buffered(); got != 0 {
		t.Errorf("Buffered() after Close = %d; want 0", got)
	}
	if err := enc.Write(ramp(0, 2000)); err != nil {
		t.Errorf("Write after Close: %v; want silent drop", err)
	}
	if err := enc.Flush(); err != nil {
		t.Errorf("Flush after Close: %v; want no-op", err)
	}
	if len(frames) != 0 {
		t.Fatalf("%d frames emitted after Close; want 0", len(frames))
	}

	// Idempotent.
	enc.Close()
}

func TestFlush_NoSinkDropsFrame(t *testing.T) {
	t.Parallel()

	enc := audio.NewFrameEncoder(24000, audio.WithFrameDuration(10*time.Millisecond))
	if err := enc.Write(ramp(0, 5000)); err != nil {
		t.Fatalf("Write with no sink: %v", err)
	}
}
