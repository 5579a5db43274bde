package audio_test

import (
	"testing"

	"github.com/versecast/versecast/pkg/audio"
)

func TestStereoToMono_AveragesPairs(t *testing.T) {
	t.Parallel()

	in := []int16{100, 200, -50, 50, 0, 0}
	got := audio.StereoToMono(in)

	want := []int16{150, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_DoesNotOverflow(t *testing.T) {
	t.Parallel()

	in := []int16{32767, 32767, -32768, -32768}
	got := audio.StereoToMono(in)

	if got[0] != 32767 {
		t.Errorf("max pair averaged to %d; want 32767", got[0])
	}
	if got[1] != -32768 {
		t.Errorf("min pair averaged to %d; want -32768", got[1])
	}
}

func TestResampleMono_HalvesSampleCount(t *testing.T) {
	t.Parallel()

	in := make([]int16, 480)
	got := audio.ResampleMono(in, 48000, 24000)
	if len(got) != 240 {
		t.Errorf("len = %d; want 240", len(got))
	}
}

func TestResampleMono_SameRateReturnsInput(t *testing.T) {
	t.Parallel()

	in := []int16{1, 2, 3}
	got := audio.ResampleMono(in, 24000, 24000)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("got %v; want input unchanged", got)
	}
}

func TestResampleMono_InterpolatesLinearly(t *testing.T) {
	t.Parallel()

	// Upsampling a ramp should stay monotonic with no jumps larger than the
	// original step.
	in := []int16{0, 100, 200, 300}
	got := audio.ResampleMono(in, 8000, 16000)

	if len(got) != 8 {
		t.Fatalf("len = %d; want 8", len(got))
	}
	for i := 1; i < len(got); i++ {
		step := got[i] - got[i-1]
		if step < 0 || step > 100 {
			t.Errorf("step %d→%d at index %d; interpolation not linear", got[i-1], got[i], i)
		}
	}
}

func TestConvert_PassthroughWhenFormatMatches(t *testing.T) {
	t.Parallel()

	conv := &audio.Converter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := []int16{1, 2, 3}
	got := conv.Convert(in, audio.Format{SampleRate: 24000, Channels: 1})
	if &got[0] != &in[0] {
		t.Error("matching format should return the input slice unchanged")
	}
}

func TestConvert_StereoHighRateToMonoTarget(t *testing.T) {
	t.Parallel()

	conv := &audio.Converter{Target: audio.Format{SampleRate: 24000, Channels: 1}}

	// 48 kHz stereo input: 960 interleaved samples → 480 mono → 240 resampled.
	in := make([]int16, 960)
	got := conv.Convert(in, audio.Format{SampleRate: 48000, Channels: 2})
	if len(got) != 240 {
		t.Errorf("len = %d; want 240", len(got))
	}
}

func TestSamplesBytesRoundtrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 256}
	got := audio.BytesToSamples(audio.SamplesToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d; want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], in[i])
		}
	}
}
