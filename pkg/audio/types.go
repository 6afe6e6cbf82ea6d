package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is fixed: every stream in earshot is 16-bit signed
// little-endian PCM.
const bytesPerSample = 2

// Frame is one chunk of captured audio.
type Frame struct {
	// Data holds 16-bit signed little-endian PCM, interleaved by channel.
	Data []byte

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels is 1 for mono and 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is what every recognition backend expects: 16 kHz mono.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// Duration returns the playback length of n PCM bytes in f. Returns 0 for an
// invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// FrameBytes returns the size in bytes of a frame of length d in f, rounded
// down to a whole number of sample frames.
func (f Format) FrameBytes(d time.Duration) int {
	align := f.Channels * bytesPerSample
	if align <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%align
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
