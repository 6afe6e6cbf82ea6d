package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RecognitionChanged is true if any recognition default or the
	// permission state changed.
	RecognitionChanged bool
	PermissionChanged  bool

	// RestartRequired lists top-level sections that changed but are only
	// applied on restart.
	RestartRequired []string
}

// IsZero reports whether d carries no changes at all.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.RecognitionChanged && !d.PermissionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Recognition, new.Recognition
	if o.DefaultLanguage != n.DefaultLanguage || o.MaxResults != n.MaxResults ||
		o.MaxConsecutiveRestarts != n.MaxConsecutiveRestarts {
		d.RecognitionChanged = true
	}
	if o.Permission != n.Permission {
		d.PermissionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEngines(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.MQTT != new.MQTT {
		d.RestartRequired = append(d.RestartRequired, "mqtt")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEngines(a, b EngineConfig) bool {
	if a.CircuitBreaker != b.CircuitBreaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	if !sameEntry(a.Primary, b.Primary) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields of two entries. Options are compared
// by key set and formatted value.
func sameEntry(a, b EngineEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
