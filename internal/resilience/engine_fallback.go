package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/earshot/pkg/speech"
)

// EngineFallback is a [speech.Engine] that opens handles on the first healthy
// engine of a [FallbackGroup]. Only Open failures count against an engine's
// breaker; errors reported on an open handle are left to the session
// controller.
type EngineFallback struct {
	group *FallbackGroup[speech.Engine]

	mu     sync.Mutex
	active string
}

// NewEngineFallback creates an [EngineFallback] with primary as the first
// engine.
func NewEngineFallback(primary speech.Engine, name string, cfg FallbackConfig) *EngineFallback {
	return &EngineFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback appends an engine tried after the primary and any earlier
// fallbacks.
func (f *EngineFallback) AddFallback(name string, e speech.Engine) {
	f.group.AddFallback(name, e)
}

// Open opens a handle on the first engine that accepts it.
func (f *EngineFallback) Open(ctx context.Context, opts speech.Options) (speech.Handle, error) {
	h, name, err := ExecuteWithResult(ctx, f.group, func(e speech.Engine) (speech.Handle, error) {
		return e.Open(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.active = name
	f.mu.Unlock()
	return h, nil
}

// Available reports whether any engine with a closed or half-open breaker is
// available.
func (f *EngineFallback) Available(ctx context.Context) bool {
	ok := false
	f.group.Each(func(_ string, e speech.Engine, state State) bool {
		if state != StateOpen && e.Available(ctx) {
			ok = true
			return false
		}
		return true
	})
	return ok
}

// SupportedLanguages returns the languages of the first available engine.
func (f *EngineFallback) SupportedLanguages(ctx context.Context) ([]string, error) {
	var (
		langs []string
		errs  []error
		found bool
	)
	f.group.Each(func(name string, e speech.Engine, state State) bool {
		if state == StateOpen || !e.Available(ctx) {
			return true
		}
		l, err := e.SupportedLanguages(ctx)
		if err != nil {
			errs = append(errs, err)
			return true
		}
		langs, found = l, true
		return false
	})
	if found {
		return langs, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrAllFailed
}

// MaxResults returns the largest MaxResults of all engines. Zero means one of
// them has no limit.
func (f *EngineFallback) MaxResults() int {
	best := 0
	unlimited := false
	f.group.Each(func(_ string, e speech.Engine, _ State) bool {
		n := e.MaxResults()
		if n <= 0 {
			unlimited = true
			return false
		}
		if n > best {
			best = n
		}
		return true
	})
	if unlimited {
		return 0
	}
	return best
}

// Active returns the name of the engine that served the last successful Open,
// or "" before the first one.
func (f *EngineFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

var _ speech.Engine = (*EngineFallback)(nil)
