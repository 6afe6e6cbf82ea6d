// Package batch adapts request/response transcription services (a local
// whisper.cpp server, the OpenAI transcription API) to the callback-stream
// speech.Engine interface.
//
// Audio from an audio.Source is converted to 16 kHz mono, split into
// utterances by an RMS silence detector, and each utterance is submitted as one
// WAV upload. Because the services are batch engines there are no true
// low-latency partials: when partial results are requested, a partial carrying
// the final text is emitted just before each final.
//
// A handle keeps listening across utterances. It ends with a speech-timeout
// error when the no-input window passes without speech and with a no-match
// error when an utterance transcribes to nothing, so a continuous session sees
// the same transient errors a platform recognizer would report.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/speech"
)

const (
	defaultRequestTimeout = 30 * time.Second
	eventBuffer           = 16
)

// Request is one utterance submitted for transcription.
type Request struct {
	// WAV is the utterance as a 16 kHz mono RIFF/WAVE file.
	WAV []byte

	// Language is the BCP-47 tag requested by the caller.
	Language string

	// MaxResults is the number of alternatives the caller wants.
	MaxResults int
}

// Transcriber is a batch transcription service.
type Transcriber interface {
	// Transcribe returns the alternatives for one utterance, best first. An
	// empty result means nothing intelligible was said. Errors should carry a
	// *speech.RecognitionError when the service reported a specific failure.
	Transcribe(ctx context.Context, req Request) ([]string, error)

	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error

	// Languages lists the language tags the service accepts. Empty means any.
	Languages() []string

	// MaxResults is the largest number of alternatives the service returns.
	MaxResults() int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithSegmenter overrides the utterance segmenter tuning. The format field is
// ignored; segmentation always runs on 16 kHz mono.
func WithSegmenter(cfg audio.SegmenterConfig) Option {
	return func(e *Engine) {
		e.seg = cfg
	}
}

// WithRequestTimeout bounds each Transcribe call. Defaults to 30 s.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Engine implements speech.Engine on top of a Transcriber.
type Engine struct {
	t       Transcriber
	src     audio.Source
	seg     audio.SegmenterConfig
	timeout time.Duration
}

var _ speech.Engine = (*Engine)(nil)

// New returns an Engine transcribing audio captured from src with t.
func New(t Transcriber, src audio.Source, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, errors.New("batch: transcriber must not be nil")
	}
	if src == nil {
		return nil, errors.New("batch: audio source must not be nil")
	}
	e := &Engine{t: t, src: src, timeout: defaultRequestTimeout}
	for _, o := range opts {
		o(e)
	}
	e.seg.Format = audio.DefaultFormat
	return e, nil
}

// Open implements speech.Engine. It claims the audio source; the ctx only
// bounds the open itself.
func (e *Engine) Open(ctx context.Context, opts speech.Options) (speech.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch: open: %w", err)
	}
	capture, err := e.src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: open audio source: %w", err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		engine:  e,
		opts:    opts,
		capture: capture,
		seg:     audio.NewSegmenter(e.seg),
		conv:    audio.Converter{Target: audio.DefaultFormat},
		ctx:     hctx,
		cancel:  cancel,
		events:  make(chan speech.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h, nil
}

// Available implements speech.Engine.
func (e *Engine) Available(ctx context.Context) bool {
	return e.t.Ping(ctx) == nil
}

// SupportedLanguages implements speech.Engine.
func (e *Engine) SupportedLanguages(_ context.Context) ([]string, error) {
	return append([]string(nil), e.t.Languages()...), nil
}

// MaxResults implements speech.Engine.
func (e *Engine) MaxResults() int { return e.t.MaxResults() }

// ---- handle -----------------------------------------------------------------

type handle struct {
	engine  *Engine
	opts    speech.Options
	capture audio.Capture
	seg     *audio.Segmenter
	conv    audio.Converter

	ctx    context.Context
	cancel context.CancelFunc
	events chan speech.Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (h *handle) Events() <-chan speech.Event { return h.events }

// Close stops capturing, aborts any in-flight transcription and closes the
// event stream.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.cancel()
		h.wg.Wait()
	})
	return nil
}

// send delivers ev unless the handle is closing.
func (h *handle) send(ev speech.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *handle) run() {
	defer h.wg.Done()
	defer close(h.events)
	defer h.capture.Close()

	if h.opts.Language != "" && !speech.LanguageSupported(h.engine.t.Languages(), h.opts.Language) {
		h.send(speech.Failure(speech.CodeLanguageNotSupported,
			fmt.Errorf("batch: language %q not supported", h.opts.Language)))
		return
	}
	if !h.send(speech.Ready()) {
		return
	}

	frames := h.capture.Frames()
	for {
		select {
		case <-h.done:
			return
		case f, ok := <-frames:
			if !ok {
				h.send(speech.Failure(speech.CodeAudio, audio.ErrExhausted))
				return
			}
			f = h.conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			seg, ok := h.seg.Push(f.Data)
			if !ok {
				continue
			}
			if seg.Kind == audio.SegmentNoInput {
				h.send(speech.Failure(speech.CodeSpeechTimeout, nil))
				return
			}
			if !h.transcribe(seg) {
				return
			}
		}
	}
}

// transcribe submits one utterance and reports the outcome. It returns false
// when the handle must end.
func (h *handle) transcribe(seg audio.Segment) bool {
	ctx, cancel := context.WithTimeout(h.ctx, h.engine.timeout)
	defer cancel()

	start := time.Now()
	matches, err := h.engine.t.Transcribe(ctx, Request{
		WAV:        audio.EncodeWAV(seg.PCM, audio.DefaultFormat),
		Language:   h.opts.Language,
		MaxResults: h.opts.MaxResults,
	})
	if err != nil {
		if h.ctx.Err() != nil {
			return false
		}
		code := CodeOf(err)
		slog.Debug("batch: transcription failed", "code", code.String(), "err", err)
		h.send(speech.Failure(code, err))
		return false
	}
	slog.Debug("batch: utterance transcribed",
		"audio", seg.Duration,
		"latency", time.Since(start),
		"alternatives", len(matches),
	)

	matches = clean(matches, speech.ClipMaxResults(h.opts.MaxResults, h.engine.t.MaxResults()))
	if len(matches) == 0 {
		h.send(speech.Failure(speech.CodeNoMatch, nil))
		return false
	}
	if h.opts.PartialResults && !h.send(speech.Partial(matches...)) {
		return false
	}
	return h.send(speech.Final(matches...))
}

// clean trims whitespace, drops empty alternatives and keeps at most n.
func clean(matches []string, n int) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
		if len(out) == n {
			break
		}
	}
	return out
}

// CodeOf maps a Transcriber error to a recognizer error code.
func CodeOf(err error) speech.ErrorCode {
	var re *speech.RecognitionError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return speech.CodeNetworkTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return speech.CodeNetworkTimeout
		}
		return speech.CodeNetwork
	}
	return speech.CodeServer
}
