package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileSource replays a WAV or raw PCM file. Every capture starts from the
// beginning of the file, so it suits demos and integration tests where a
// recording stands in for a microphone.
type FileSource struct {
	path     string
	format   Format
	frame    time.Duration
	realtime bool

	mu     sync.Mutex
	active bool
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithRealtime paces frames at playback speed instead of reading the file as
// fast as the consumer accepts frames.
func WithRealtime(on bool) FileOption {
	return func(s *FileSource) { s.realtime = on }
}

// WithFileFrameDuration sets how much audio each frame carries.
func WithFileFrameDuration(d time.Duration) FileOption {
	return func(s *FileSource) {
		if d > 0 {
			s.frame = d
		}
	}
}

// NewFileSource returns a source replaying path. WAV files carry their own
// format; raw files are read as f. The file header is checked immediately.
func NewFileSource(path string, f Format, opts ...FileOption) (*FileSource, error) {
	s := &FileSource{path: path, format: f, frame: DefaultFrameDuration}
	for _, o := range opts {
		o(s)
	}
	r, format, err := s.openFile()
	if err != nil {
		return nil, err
	}
	r.Close()
	s.format = format
	return s, nil
}

// Format implements Source.
func (s *FileSource) Format() Format { return s.format }

// Open implements Source.
func (s *FileSource) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil, ErrBusy
	}
	f, format, err := s.openFile()
	if err != nil {
		return nil, err
	}
	s.active = true

	c := &fileCapture{
		src:    s,
		file:   f,
		format: format,
		frames: make(chan Frame, captureBuffer),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// openFile opens the file and positions it at the first PCM byte.
func (s *FileSource) openFile() (*fileReader, Format, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open %s: %w", s.path, err)
	}
	br := bufio.NewReader(f)
	format := s.format
	if sig, _ := br.Peek(4); string(sig) == "RIFF" {
		if format, err = ReadWAVHeader(br); err != nil {
			f.Close()
			return nil, Format{}, fmt.Errorf("audio: %s: %w", s.path, err)
		}
	} else if err := format.Validate(); err != nil {
		f.Close()
		return nil, Format{}, fmt.Errorf("audio: %s: raw PCM needs a format: %w", s.path, err)
	}
	return &fileReader{Reader: br, f: f}, format, nil
}

func (s *FileSource) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

type fileReader struct {
	*bufio.Reader
	f *os.File
}

func (r *fileReader) Close() error { return r.f.Close() }

type fileCapture struct {
	src    *FileSource
	file   *fileReader
	format Format
	frames chan Frame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (c *fileCapture) Frames() <-chan Frame { return c.frames }

func (c *fileCapture) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.src.release()
	})
	return nil
}

func (c *fileCapture) run() {
	defer c.wg.Done()
	defer close(c.frames)
	defer c.file.Close()

	size := c.format.FrameBytes(c.src.frame)
	if size <= 0 {
		return
	}

	var tick <-chan time.Time
	if c.src.realtime {
		t := time.NewTicker(c.src.frame)
		defer t.Stop()
		tick = t.C
	}

	var ts time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(c.file, buf)
		n -= n % (c.format.Channels * bytesPerSample)
		if n > 0 {
			if tick != nil {
				select {
				case <-tick:
				case <-c.done:
					return
				}
			}
			select {
			case c.frames <- Frame{Data: buf[:n], SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: ts}:
			case <-c.done:
				return
			}
			ts += c.format.Duration(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("audio: file read failed", "path", c.src.path, "err", err)
			}
			return
		}
	}
}

var _ Source = (*FileSource)(nil)
