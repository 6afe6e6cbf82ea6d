// Package whisper provides a batch transcriber backed by a running
// whisper.cpp server (the whisper-server binary, which exposes POST /inference).
//
// The transcriber handles one utterance per request; pair it with
// batch.New to get a speech.Engine:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithModel("base.en"))
//	eng, err := batch.New(t, source)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/speech"
	"github.com/MrWong99/earshot/pkg/speech/batch"
)

var _ batch.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base.en"). When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// WithTemperature sets the decoding temperature. Zero selects greedy decoding.
func WithTemperature(v float64) Option {
	return func(t *Transcriber) {
		t.temperature = v
	}
}

// Transcriber implements batch.Transcriber against a whisper.cpp server.
type Transcriber struct {
	serverURL   string
	model       string
	temperature float64
	httpClient  *http.Client
}

// New creates a Transcriber for the server at serverURL (e.g.,
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe posts req.WAV to /inference as multipart/form-data. whisper.cpp
// returns a single hypothesis, so at most one match comes back.
func (t *Transcriber) Transcribe(ctx context.Context, req batch.Request) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(req.WAV); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"response_format": "json",
		"temperature":     fmt.Sprintf("%g", t.temperature),
	}
	if req.Language != "" {
		fields["language"] = speech.PrimaryTag(req.Language)
	}
	if t.model != "" {
		fields["model"] = t.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &speech.RecognitionError{
			Code: speech.CodeForStatus(resp.StatusCode),
			Err:  fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return nil, &speech.RecognitionError{Code: speech.CodeServer, Err: fmt.Errorf("whisper: %s", result.Error)}
	}
	text := cleanText(result.Text)
	if text == "" {
		return nil, nil
	}
	return []string{text}, nil
}

// Ping checks GET /health.
func (t *Transcriber) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("whisper: create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("whisper: ping: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Languages implements batch.Transcriber.
func (t *Transcriber) Languages() []string { return batch.WhisperLanguages }

// MaxResults implements batch.Transcriber.
func (t *Transcriber) MaxResults() int { return 1 }

// nonSpeechMarkers are annotations whisper emits for audio without words.
var nonSpeechMarkers = []string{"[BLANK_AUDIO]", "[SILENCE]", "(silence)", "[MUSIC]", "[NOISE]"}

// cleanText strips whisper's non-speech markers and surrounding whitespace.
func cleanText(s string) string {
	for _, m := range nonSpeechMarkers {
		s = strings.ReplaceAll(s, m, "")
	}
	return strings.Join(strings.Fields(s), " ")
}
