// Package openai provides a batch transcriber backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/earshot/pkg/speech"
	"github.com/MrWong99/earshot/pkg/speech/batch"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

var _ batch.Transcriber = (*Transcriber)(nil)

// Transcriber implements batch.Transcriber using the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
	prompt string
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	prompt     string
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for an
// OpenAI-compatible local server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests. A negative
// value keeps the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithPrompt sets a vocabulary hint sent with every utterance.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// New constructs a Transcriber. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  model,
		prompt: cfg.prompt,
	}, nil
}

// Transcribe implements batch.Transcriber. The API returns a single
// hypothesis, so at most one match comes back.
func (t *Transcriber) Transcribe(ctx context.Context, req batch.Request) ([]string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.WAV), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(t.model),
	}
	if req.Language != "" {
		params.Language = param.NewOpt(speech.PrimaryTag(req.Language))
	}
	if t.prompt != "" {
		params.Prompt = param.NewOpt(t.prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", classify(err))
	}
	text := strings.Join(strings.Fields(resp.Text), " ")
	if text == "" {
		return nil, nil
	}
	return []string{text}, nil
}

// Ping fetches the configured model.
func (t *Transcriber) Ping(ctx context.Context) error {
	if _, err := t.client.Models.Get(ctx, t.model); err != nil {
		return fmt.Errorf("openai stt: ping: %w", err)
	}
	return nil
}

// Languages implements batch.Transcriber.
func (t *Transcriber) Languages() []string { return batch.WhisperLanguages }

// MaxResults implements batch.Transcriber.
func (t *Transcriber) MaxResults() int { return 1 }

// classify wraps API status errors in a *speech.RecognitionError.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &speech.RecognitionError{Code: speech.CodeForStatus(apiErr.StatusCode), Err: err}
	}
	return err
}
