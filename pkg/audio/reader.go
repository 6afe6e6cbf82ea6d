package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultFrameDuration is the length of each frame read from a stream.
const DefaultFrameDuration = 20 * time.Millisecond

// ReaderSource captures live PCM from an io.Reader such as os.Stdin.
//
// A single pump goroutine reads the stream for the lifetime of the source and
// hands frames to whichever capture is active. Frames read while no capture is
// active are discarded, as is audio a slow capture cannot keep up with.
type ReaderSource struct {
	r      io.Reader
	format Format
	frame  int

	startOnce sync.Once
	mu        sync.Mutex
	cur       *readerCapture
	exhausted bool
	dropped   int
	read      time.Duration
}

// ReaderOption configures a ReaderSource.
type ReaderOption func(*ReaderSource)

// WithFrameDuration sets how much audio each frame carries. Defaults to
// DefaultFrameDuration.
func WithFrameDuration(d time.Duration) ReaderOption {
	return func(s *ReaderSource) {
		if n := s.format.FrameBytes(d); n > 0 {
			s.frame = n
		}
	}
}

// NewReaderSource returns a source reading raw PCM in format f from r.
func NewReaderSource(r io.Reader, f Format, opts ...ReaderOption) (*ReaderSource, error) {
	if r == nil {
		return nil, errors.New("audio: reader must not be nil")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s := &ReaderSource{
		r:      r,
		format: f,
		frame:  f.FrameBytes(DefaultFrameDuration),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format implements Source.
func (s *ReaderSource) Format() Format { return s.format }

// Open implements Source. The pump starts on the first call.
func (s *ReaderSource) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.startOnce.Do(func() { go s.pump() })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exhausted {
		return nil, ErrExhausted
	}
	if s.cur != nil {
		return nil, ErrBusy
	}
	c := &readerCapture{src: s, frames: make(chan Frame, captureBuffer), start: s.read}
	s.cur = c
	return c, nil
}

// Dropped returns the number of frames discarded because the active capture's
// buffer was full.
func (s *ReaderSource) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ReaderSource) pump() {
	buf := make([]byte, s.frame)
	for {
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			n -= n % (s.format.Channels * bytesPerSample)
			s.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("audio: read failed, source exhausted", "err", err)
			}
			s.finish()
			return
		}
	}
}

func (s *ReaderSource) deliver(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.read
	s.read += s.format.Duration(len(pcm))
	c := s.cur
	if c == nil || len(pcm) == 0 {
		return
	}
	f := Frame{
		Data:       append([]byte(nil), pcm...),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  ts - c.start,
	}
	select {
	case c.frames <- f:
	default:
		s.dropped++
	}
}

func (s *ReaderSource) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = true
	if s.cur != nil {
		s.cur.closeLocked()
		s.cur = nil
	}
}

type readerCapture struct {
	src    *ReaderSource
	frames chan Frame
	start  time.Duration
	closed bool
}

func (c *readerCapture) Frames() <-chan Frame { return c.frames }

func (c *readerCapture) Close() error {
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	if c.src.cur == c {
		c.src.cur = nil
	}
	c.closeLocked()
	return nil
}

// closeLocked must be called with src.mu held.
func (c *readerCapture) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)
}

var _ Source = (*ReaderSource)(nil)
