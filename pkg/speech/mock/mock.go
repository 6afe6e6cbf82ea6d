// Package mock provides test doubles for the speech package interfaces.
//
// Use Engine to verify that the caller opens handles with the expected Options
// and to reach the Handle returned by each Open call. Use Handle.Emit to feed
// controlled callbacks into whatever consumes the handle.
//
// Example:
//
//	eng := &mock.Engine{AutoReady: true}
//	h, _ := eng.Open(ctx, speech.Options{Language: "en-US"})
//	eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/speech"
)

// handleBuffer is the capacity of each mock handle's event channel.
const handleBuffer = 64

// ─── Engine ──────────────────────────────────────────────────────────────────

// OpenCall records a single invocation of Engine.Open.
type OpenCall struct {
	// Opts is the Options passed to Open.
	Opts speech.Options
}

// Engine is a mock implementation of speech.Engine. All methods are safe for
// concurrent use.
type Engine struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// OpenErrFunc, if non-nil, is consulted on every Open call with the 1-based
	// call number. A non-nil result is returned as the error. Takes precedence
	// over OpenErr.
	OpenErrFunc func(call int) error

	// AutoReady makes every new handle emit speech.Ready() immediately.
	AutoReady bool

	// Unavailable makes Available return false.
	Unavailable bool

	// Languages is returned by SupportedLanguages. Defaults to ["en-US"].
	Languages []string

	// LanguagesErr, if non-nil, is returned by SupportedLanguages.
	LanguagesErr error

	// Max is returned by MaxResults. Zero means no limit.
	Max int

	// OpenCalls records every call to Open, successful or not.
	OpenCalls []OpenCall

	handles []*Handle
}

// Open records the call and returns a fresh Handle.
func (e *Engine) Open(ctx context.Context, opts speech.Options) (speech.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenCalls = append(e.OpenCalls, OpenCall{Opts: opts})
	if e.OpenErrFunc != nil {
		if err := e.OpenErrFunc(len(e.OpenCalls)); err != nil {
			return nil, err
		}
	} else if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := NewHandle()
	if e.AutoReady {
		h.Emit(speech.Ready())
	}
	e.handles = append(e.handles, h)
	return h, nil
}

// Available returns !Unavailable.
func (e *Engine) Available(_ context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Unavailable
}

// SupportedLanguages returns Languages, LanguagesErr.
func (e *Engine) SupportedLanguages(_ context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LanguagesErr != nil {
		return nil, e.LanguagesErr
	}
	if e.Languages == nil {
		return []string{"en-US"}, nil
	}
	out := make([]string, len(e.Languages))
	copy(out, e.Languages)
	return out, nil
}

// MaxResults returns Max.
func (e *Engine) MaxResults() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Max
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (e *Engine) OpenCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.OpenCalls)
}

// Handles returns every handle returned by Open, oldest first.
func (e *Engine) Handles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Handle, len(e.handles))
	copy(out, e.handles)
	return out
}

// Last returns the most recently opened handle, or nil.
func (e *Engine) Last() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		return nil
	}
	return e.handles[len(e.handles)-1]
}

// Ensure Engine implements speech.Engine at compile time.
var _ speech.Engine = (*Engine)(nil)

// ─── Handle ──────────────────────────────────────────────────────────────────

// Handle is a mock implementation of speech.Handle.
type Handle struct {
	mu     sync.Mutex
	ch     chan speech.Event
	closed bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewHandle returns a Handle with a buffered event channel.
func NewHandle() *Handle {
	return &Handle{ch: make(chan speech.Event, handleBuffer)}
}

// Emit delivers ev on the Events channel. It reports false, dropping the event,
// once the handle has been closed or ended.
func (h *Handle) Emit(ev speech.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.ch <- ev
	return true
}

// End closes the Events channel without recording a Close call, simulating the
// engine finishing the attempt on its own.
func (h *Handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
}

// Events returns the event channel.
func (h *Handle) Events() <-chan speech.Event { return h.ch }

// Close records the call, closes the Events channel once, and returns CloseErr.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CloseCallCount++
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
	return h.CloseErr
}

// Closed reports whether Close or End has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls returns CloseCallCount. Thread-safe.
func (h *Handle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CloseCallCount
}

// Ensure Handle implements speech.Handle at compile time.
var _ speech.Handle = (*Handle)(nil)
