package recognition

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/speech"
)

// DefaultLanguage is used when neither the caller nor the configuration names a
// language.
const DefaultLanguage = "en-US"

// UtteranceOptions is the caller-facing configuration of a listening session.
// Every field is optional.
type UtteranceOptions struct {
	// Language is a BCP-47 tag. Empty selects the configured default.
	Language string `json:"language,omitempty"`

	// MaxResults is the number of alternatives requested. Zero selects the
	// default; the value is clipped to the engine's maximum.
	MaxResults int `json:"maxResults,omitempty"`

	// Prompt and Popup are accepted for compatibility with hosts that show a
	// recognition dialog. They have no effect.
	Prompt string `json:"prompt,omitempty"`
	Popup  bool   `json:"popup,omitempty"`

	// PartialResults streams interim matches on the partialResults channel and
	// makes Start return as soon as the engine is open.
	PartialResults bool `json:"partialResults,omitempty"`

	// Continuous keeps the session alive across final results and transient
	// engine errors.
	Continuous bool `json:"continuous,omitempty"`

	// SilenceTimeoutMs, when positive, stops the session that long after a
	// final result unless more speech arrives.
	SilenceTimeoutMs int `json:"silenceTimeoutMs,omitempty"`
}

// Validate reports malformed options. The returned error wraps
// [ErrInvalidOptions].
func (o UtteranceOptions) Validate() error {
	var errs []error
	if o.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("maxResults must not be negative, got %d", o.MaxResults))
	}
	if o.SilenceTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("silenceTimeoutMs must not be negative, got %d", o.SilenceTimeoutMs))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// Defaults holds the operator-configured fallbacks applied to every Start.
type Defaults struct {
	// Language replaces an empty UtteranceOptions.Language.
	Language string

	// MaxResults replaces a zero UtteranceOptions.MaxResults.
	MaxResults int

	// MaxConsecutiveRestarts caps back-to-back transient restarts in
	// continuous mode. Zero means unlimited.
	MaxConsecutiveRestarts int
}

// sessionOptions are UtteranceOptions after defaults and clipping.
type sessionOptions struct {
	speech     speech.Options
	continuous bool
}

func (o UtteranceOptions) resolve(d Defaults, engineMax int) sessionOptions {
	lang := o.Language
	if lang == "" {
		lang = d.Language
	}
	if lang == "" {
		lang = DefaultLanguage
	}
	maxResults := o.MaxResults
	if maxResults == 0 {
		maxResults = d.MaxResults
	}
	return sessionOptions{
		speech: speech.Options{
			Language:       lang,
			MaxResults:     speech.ClipMaxResults(maxResults, engineMax),
			PartialResults: o.PartialResults,
			SilenceTimeout: time.Duration(o.SilenceTimeoutMs) * time.Millisecond,
		},
		continuous: o.Continuous,
	}
}

// Result is what Start resolves with.
type Result struct {
	// Matches holds the first final result's alternatives, best first. Empty when
	// Start returned before any final result.
	Matches []string `json:"matches,omitempty"`
}
