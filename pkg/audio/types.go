package audio

import "time"

// Frame is a block of signed 16-bit PCM samples flowing through the capture
// pipeline. Frames are mono; sample rate is fixed per pipeline.
type Frame struct {
	// Samples holds the raw PCM data, one int16 per sample.
	Samples []int16

	// SampleRate in Hz (e.g. 24000 for the realtime provider, 16000 for STT).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a raw audio source.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as int16 samples.
// A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// SamplesToBytes serialises int16 samples as little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
