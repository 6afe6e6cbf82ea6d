// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The Source records every Open call and hands out Capture values the test
// feeds directly:
//
//	src := &mock.Source{}
//	capture, _ := src.Open(ctx)
//	src.Last().Push(pcm)
//	src.Last().End() // simulate the device going away
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. All methods are safe for
// concurrent use.
type Source struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// Fmt is returned by Format. Defaults to audio.DefaultFormat.
	Fmt audio.Format

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	captures []*Capture
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Capture{
		format: s.format(),
		frames: make(chan audio.Frame, 256),
		done:   make(chan struct{}),
	}
	s.captures = append(s.captures, c)
	return c, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format()
}

func (s *Source) format() audio.Format {
	if s.Fmt.SampleRate == 0 {
		return audio.DefaultFormat
	}
	return s.Fmt
}

// Captures returns every capture opened so far.
func (s *Source) Captures() []*Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Capture, len(s.captures))
	copy(out, s.captures)
	return out
}

// Last returns the most recent capture, or nil.
func (s *Source) Last() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) == 0 {
		return nil
	}
	return s.captures[len(s.captures)-1]
}

// Capture is a mock [audio.Capture] fed by the test.
type Capture struct {
	format audio.Format
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	ended      bool
	closeCalls int
}

// Push delivers pcm as one frame. It reports false once the capture is closed
// or ended.
func (c *Capture) Push(pcm []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.frames <- audio.Frame{Data: pcm, SampleRate: c.format.SampleRate, Channels: c.format.Channels}:
		return true
	case <-c.done:
		return false
	}
}

// End closes the frame stream as if the device went away.
func (c *Capture) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (c *Capture) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var (
	_ audio.Source  = (*Source)(nil)
	_ audio.Capture = (*Capture)(nil)
)
