// Package speech defines the boundary between earshot and a speech recognition
// engine.
//
// An Engine wraps a recognizer backend (Deepgram, a local whisper.cpp server,
// the OpenAI transcription API, or a test double) and exposes a uniform,
// callback-stream oriented interface. The central abstraction is Handle: once
// opened, a handle delivers a stream of Event values describing the lifecycle of
// a single recognition attempt: ready, partial, final or error.
//
// Engines decide when a recognition attempt ends. A handle that reports an
// error or whose Events channel is closed is considered finished; the caller
// opens a fresh handle to keep listening.
//
// Implementations must be safe for concurrent use.
package speech

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxResults is the number of alternative matches requested when the
// caller does not specify one.
const DefaultMaxResults = 5

// Options configures a single recognition attempt. Zero values select the
// backend's defaults.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// MaxResults is the maximum number of alternative matches reported per
	// result. Backends clip it to their own maximum.
	MaxResults int

	// PartialResults requests interim (partial) results in addition to finals.
	PartialResults bool

	// SilenceTimeout, when non-zero, is the caller-configured idle window used by
	// the session controller. Backends may use it as a hint for utterance
	// segmentation but must not stop on their own because of it.
	SilenceTimeout time.Duration
}

// EventKind identifies the type of an engine callback.
type EventKind int

const (
	// EventReady signals that the engine is capturing and ready for speech.
	EventReady EventKind = iota

	// EventPartial carries interim matches for the utterance in progress.
	EventPartial

	// EventFinal carries the authoritative matches for a completed utterance.
	EventFinal

	// EventError reports a recognizer failure. See ErrorCode for the codes and
	// Classify for how they are treated.
	EventError
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one asynchronous callback from an engine handle.
type Event struct {
	Kind EventKind

	// Matches holds the ordered list of alternative transcriptions, best first.
	// Set for EventPartial and EventFinal.
	Matches []string

	// Code is the recognizer error code. Set for EventError.
	Code ErrorCode

	// Err optionally carries the backend error behind an EventError for logging.
	Err error
}

// Ready returns an EventReady event.
func Ready() Event { return Event{Kind: EventReady} }

// Partial returns an EventPartial event carrying matches.
func Partial(matches ...string) Event { return Event{Kind: EventPartial, Matches: matches} }

// Final returns an EventFinal event carrying matches.
func Final(matches ...string) Event { return Event{Kind: EventFinal, Matches: matches} }

// Failure returns an EventError event for code, optionally wrapping the
// underlying backend error.
func Failure(code ErrorCode, err error) Event { return Event{Kind: EventError, Code: code, Err: err} }

// Handle is an open recognition attempt. It is an interface so that test code
// can drive the session controller without a live backend.
//
// Callers must call Close when the handle is no longer needed. Calling Close more
// than once is safe and returns nil. After Close returns the Events channel is
// closed (possibly after delivering buffered events).
type Handle interface {
	// Events returns the callback stream of this attempt.
	Events() <-chan Event

	// Close tears down the attempt and releases the audio source and any network
	// resources.
	Close() error
}

// Engine is the abstraction over any recognition backend.
type Engine interface {
	// Open starts a new recognition attempt configured with opts. The returned
	// Handle emits EventReady once audio is flowing.
	//
	// Returns an error if the backend cannot start (authentication failure,
	// unreachable server, audio source unavailable, ctx cancelled).
	Open(ctx context.Context, opts Options) (Handle, error)

	// Available reports whether the backend can currently be used.
	Available(ctx context.Context) bool

	// SupportedLanguages lists the language tags the backend accepts.
	SupportedLanguages(ctx context.Context) ([]string, error)

	// MaxResults is the largest number of alternatives the backend reports.
	MaxResults() int
}

// ClipMaxResults returns n clipped to [1, max]. A non-positive n selects
// DefaultMaxResults before clipping; a non-positive max disables the upper bound.
func ClipMaxResults(n, max int) int {
	if n <= 0 {
		n = DefaultMaxResults
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
