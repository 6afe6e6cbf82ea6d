// Package audio provides the capture side of earshot: microphone-like sources
// of 16-bit PCM, format conversion, and the energy-based utterance segmenter
// used by the batch recognition backends.
//
// The two primary abstractions are:
//
//   - [Source] is a device or stream that can be captured from.
//   - [Capture] is one active recording, delivering [Frame] values until it is
//     closed or the source runs dry.
//
// A source allows a single active capture at a time, like a microphone owned
// by one recognizer.
package audio

import (
	"context"
	"errors"
)

// captureBuffer is the capacity of each capture's frame channel.
const captureBuffer = 64

var (
	// ErrBusy is returned by Open while another capture is active.
	ErrBusy = errors.New("audio: source already in use")

	// ErrExhausted is returned by Open once the underlying stream has ended.
	ErrExhausted = errors.New("audio: source exhausted")
)

// Source is a device or stream that audio can be captured from.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open starts a new capture. Returns ErrBusy while another capture is active
	// and ErrExhausted once the source can no longer produce audio.
	Open(ctx context.Context) (Capture, error)

	// Format reports the format of the frames delivered by captures.
	Format() Format
}

// Capture is one active recording from a Source.
type Capture interface {
	// Frames returns the frame stream. The channel is closed when the capture is
	// closed or the source ends.
	Frames() <-chan Frame

	// Close stops the capture and releases the source. Calling Close more than
	// once is safe and returns nil.
	Close() error
}
