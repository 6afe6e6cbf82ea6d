package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/speech"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// EngineFactory builds a recognition backend from its configuration entry. src
// is the capture device every engine of the process shares.
type EngineFactory func(entry EngineEntry, src audio.Source) (speech.Engine, error)

// AudioFactory builds the capture device from the audio section.
type AudioFactory func(cfg AudioConfig) (audio.Source, error)

// Registry maps backend and audio source names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
	audio   map[AudioSourceKind]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineFactory),
		audio:   make(map[AudioSourceKind]AudioFactory),
	}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterAudio registers an audio source factory under kind.
func (r *Registry) RegisterAudio(kind AudioSourceKind, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[kind] = factory
}

// CreateEngine instantiates the backend registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEngine(entry EngineEntry, src audio.Source) (speech.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, entry.Name)
	}
	e, err := factory(entry, src)
	if err != nil {
		return nil, fmt.Errorf("config: create engine %q: %w", entry.Name, err)
	}
	return e, nil
}

// CreateAudio instantiates the audio source registered under cfg.Source.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Source)
	}
	src, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio source %q: %w", cfg.Source, err)
	}
	return src, nil
}

// Engines returns the registered engine names in sorted order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
