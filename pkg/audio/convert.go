package audio

import (
	"log/slog"
	"sync"
)

// Converter normalises raw capture input to the negotiated mono format.
// It logs a warning on the first format mismatch seen. Create one per
// capture source; not designed for shared use across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a sample block from the given source format to the target.
// If the source already matches, the block is returned unchanged.
// Conversion order: downmix to mono first, then resample.
func (c *Converter) Convert(samples []int16, src Format) []int16 {
	if src.SampleRate == c.Target.SampleRate && src.Channels <= 1 {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("capture format mismatch: converting",
			"from_rate", src.SampleRate,
			"from_channels", src.Channels,
			"to_rate", c.Target.SampleRate,
		)
	})

	out := samples
	if src.Channels == 2 {
		out = StereoToMono(out)
	}
	if src.SampleRate != c.Target.SampleRate {
		out = ResampleMono(out, src.SampleRate, c.Target.SampleRate)
	}
	return out
}

// StereoToMono averages interleaved L+R sample pairs into mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// ResampleMono resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate the input is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
