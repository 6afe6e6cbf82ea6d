package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/speech"
)

// ValidEngineNames lists the backends that ship with earshot. Used by
// [Validate] to warn about unrecognised names.
var ValidEngineNames = []string{"deepgram", "whisper", "openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.Source == "" {
		c.Audio.Source = AudioStdin
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = audio.DefaultFormat.SampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = audio.DefaultFormat.Channels
	}
	if c.Recognition.DefaultLanguage == "" {
		c.Recognition.DefaultLanguage = "en-US"
	}
	if c.Recognition.Permission == "" {
		c.Recognition.Permission = speech.PermissionGranted
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// AudioFormat returns the raw PCM format described by c.Audio.
func (c *Config) AudioFormat() audio.Format {
	return audio.Format{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engines
	namesSeen := make(map[string]string, 1+len(cfg.Engine.Fallbacks))
	errs = append(errs, validateEngine("engine.primary", cfg.Engine.Primary, namesSeen)...)
	for i, fb := range cfg.Engine.Fallbacks {
		errs = append(errs, validateEngine(fmt.Sprintf("engine.fallbacks[%d]", i), fb, namesSeen)...)
	}
	cb := cfg.Engine.CircuitBreaker
	if cb.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.max_failures must not be negative, got %d", cb.MaxFailures))
	}
	if cb.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.reset_timeout must not be negative, got %s", cb.ResetTimeout))
	}
	if cb.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.half_open_max must not be negative, got %d", cb.HalfOpenMax))
	}

	// Audio
	if !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: stdin, file", cfg.Audio.Source))
	}
	if cfg.Audio.Source == AudioFile && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is file"))
	}
	if err := cfg.AudioFormat().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	// Recognition
	if cfg.Recognition.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_results must not be negative, got %d", cfg.Recognition.MaxResults))
	}
	if cfg.Recognition.MaxConsecutiveRestarts < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_consecutive_restarts must not be negative, got %d", cfg.Recognition.MaxConsecutiveRestarts))
	}
	if p := cfg.Recognition.Permission; p != "" && !p.IsValid() {
		errs = append(errs, fmt.Errorf("recognition.permission %q is invalid; valid values: granted, denied, prompt", p))
	}

	// History
	if cfg.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity must not be negative, got %d", cfg.History.Capacity))
	}

	// MQTT
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// validateEngine checks one engine entry and records its name in seen.
func validateEngine(prefix string, e EngineEntry, seen map[string]string) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	if prev, ok := seen[e.Name]; ok {
		errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, e.Name, prev))
	}
	seen[e.Name] = prefix

	switch e.Name {
	case "deepgram", "openai":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for %s", prefix, e.Name))
		}
	case "whisper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for whisper", prefix))
		}
	}
	if !slices.Contains(ValidEngineNames, e.Name) {
		slog.Warn("unknown engine name, may be a typo or third-party backend",
			"entry", prefix,
			"name", e.Name,
			"known", ValidEngineNames,
		)
	}
	return errs
}
