// Package deepgram provides a speech.Engine backed by the Deepgram streaming
// WebSocket API.
//
// Each handle dials a fresh /v1/listen connection, streams 16 kHz mono PCM from
// an audio.Source, and turns Deepgram "Results" messages into partial and
// final events. A handle ends with a speech-timeout error when nothing has been
// transcribed within the no-input window.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/speech"
)

const (
	deepgramEndpoint      = "wss://api.deepgram.com/v1/listen"
	defaultModel          = "nova-3"
	defaultNoInputTimeout = 8 * time.Second
	maxAlternatives       = 10
	eventBuffer           = 64
)

// Languages lists the language tags accepted by the nova-3 model.
var Languages = []string{
	"en", "en-US", "en-GB", "en-AU", "en-IN", "en-NZ",
	"de", "de-CH", "es", "es-419", "fr", "fr-CA", "it", "nl", "nl-BE",
	"pt", "pt-BR", "pt-PT", "ja", "ru", "hi", "multi",
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		e.endpoint = endpoint
	}
}

// WithNoInputTimeout sets how long a handle waits for a transcript before
// reporting speech-timeout. Zero or negative disables the check.
func WithNoInputTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.noInput = d
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// Engine implements speech.Engine backed by the Deepgram streaming API.
type Engine struct {
	apiKey     string
	model      string
	endpoint   string
	noInput    time.Duration
	httpClient *http.Client
	src        audio.Source
}

var _ speech.Engine = (*Engine)(nil)

// New creates a new Deepgram Engine streaming audio captured from src.
// apiKey must be non-empty.
func New(apiKey string, src audio.Source, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if src == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	e := &Engine{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
		noInput:  defaultNoInputTimeout,
		src:      src,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Open dials Deepgram and claims the audio source. ctx bounds the handshake
// only; the stream lives until Close or a terminal event.
func (e *Engine) Open(ctx context.Context, opts speech.Options) (speech.Handle, error) {
	wsURL, err := e.buildURL(opts)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: e.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	capture, err := e.src.Open(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "audio unavailable")
		return nil, fmt.Errorf("deepgram: open audio source: %w", err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		conn:     conn,
		capture:  capture,
		noInput:  e.noInput,
		ctx:      hctx,
		cancel:   cancel,
		events:   make(chan speech.Event, eventBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	h.lastHeard.Store(time.Now().UnixNano())
	h.events <- speech.Ready()

	h.wg.Add(2)
	go h.readLoop()
	go h.writeLoop()
	go func() {
		h.wg.Wait()
		capture.Close()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		close(h.events)
		close(h.closed)
	}()
	return h, nil
}

// Available reports whether the engine is configured. Deepgram has no cheap
// unauthenticated health endpoint, so no request is made.
func (e *Engine) Available(_ context.Context) bool {
	return e.apiKey != "" && e.src != nil
}

// SupportedLanguages implements speech.Engine.
func (e *Engine) SupportedLanguages(_ context.Context) ([]string, error) {
	return append([]string(nil), Languages...), nil
}

// MaxResults implements speech.Engine.
func (e *Engine) MaxResults() int { return maxAlternatives }

// buildURL constructs the streaming endpoint URL for opts.
func (e *Engine) buildURL(opts speech.Options) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}

	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	f := audio.DefaultFormat

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(opts.PartialResults))
	q.Set("alternatives", strconv.Itoa(speech.ClipMaxResults(opts.MaxResults, maxAlternatives)))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- handle ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handle is a live Deepgram stream. It implements speech.Handle.
type handle struct {
	conn    *websocket.Conn
	capture audio.Capture
	noInput time.Duration

	// lastHeard is the UnixNano time of the last non-empty transcript.
	lastHeard atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan speech.Event
	done     chan struct{} // closed by Close
	finished chan struct{} // closed when either loop ends the stream
	closed   chan struct{} // closed after events
	doneOnce sync.Once
	endOnce  sync.Once
	wg       sync.WaitGroup
}

func (h *handle) Events() <-chan speech.Event { return h.events }

// Close ends the stream, asking Deepgram to flush, and waits until the event
// channel is closed.
func (h *handle) Close() error {
	h.doneOnce.Do(func() {
		close(h.done)
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = h.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		h.finish()
	})
	<-h.closed
	return nil
}

// finish stops both loops.
func (h *handle) finish() {
	h.endOnce.Do(h.stop)
}

// fail reports a terminal error and stops the stream. Only the first terminal
// condition is reported.
func (h *handle) fail(code speech.ErrorCode, err error) {
	h.endOnce.Do(func() {
		h.send(speech.Failure(code, err))
		h.stop()
	})
}

func (h *handle) stop() {
	close(h.finished)
	h.cancel()
}

func (h *handle) send(ev speech.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// writeLoop forwards captured audio to Deepgram and enforces the no-input
// window.
func (h *handle) writeLoop() {
	defer h.wg.Done()
	conv := audio.Converter{Target: audio.DefaultFormat}
	frames := h.capture.Frames()
	for {
		select {
		case <-h.finished:
			return
		case f, ok := <-frames:
			if !ok {
				h.fail(speech.CodeAudio, audio.ErrExhausted)
				return
			}
			if h.noInput > 0 && time.Since(time.Unix(0, h.lastHeard.Load())) >= h.noInput {
				h.fail(speech.CodeSpeechTimeout, nil)
				return
			}
			f = conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			if err := h.conn.Write(h.ctx, websocket.MessageBinary, f.Data); err != nil {
				if h.ctx.Err() == nil {
					h.fail(speech.CodeNetwork, fmt.Errorf("deepgram: write: %w", err))
				}
				return
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into events.
func (h *handle) readLoop() {
	defer h.wg.Done()
	for {
		_, msg, err := h.conn.Read(h.ctx)
		if err != nil {
			h.readFailed(err)
			return
		}

		matches, final, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if len(matches) == 0 {
			// Deepgram finalizes stretches of silence with an empty transcript.
			continue
		}
		h.lastHeard.Store(time.Now().UnixNano())
		if final {
			h.send(speech.Final(matches...))
		} else {
			h.send(speech.Partial(matches...))
		}
	}
}

func (h *handle) readFailed(err error) {
	if h.ctx.Err() != nil {
		return
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		slog.Debug("deepgram: stream closed by server", "status", status)
		h.finish()
	case -1:
		h.fail(speech.CodeNetwork, fmt.Errorf("deepgram: read: %w", err))
	default:
		h.fail(speech.CodeServerDisconnected, fmt.Errorf("deepgram: closed with status %d: %w", status, err))
	}
}

// parseDeepgramResponse extracts the non-empty alternatives of a Results
// message. Returns ok=false if the message should be ignored.
func parseDeepgramResponse(data []byte) (matches []string, final, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, false
	}
	if resp.Type != "Results" {
		return nil, false, false
	}
	for _, alt := range resp.Channel.Alternatives {
		if alt.Transcript != "" {
			matches = append(matches, alt.Transcript)
		}
	}
	return matches, resp.IsFinal, true
}
