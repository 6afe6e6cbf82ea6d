// Package history records completed listening sessions.
//
// The recognition controller saves one [Record] per session when it stops.
// [MemStore] keeps a bounded in-process window and is the default;
// [PostgresStore] persists records when a DSN is configured.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record describes one listening session from start to stop.
type Record struct {
	// ID is the session UUID.
	ID string `json:"id"`

	// Engine is the backend that served the session.
	Engine string `json:"engine,omitempty"`

	Language       string        `json:"language"`
	MaxResults     int           `json:"maxResults"`
	PartialResults bool          `json:"partialResults"`
	Continuous     bool          `json:"continuous"`
	SilenceTimeout time.Duration `json:"silenceTimeout,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt"`

	// StopReason is why the session ended, e.g. "stop", "final", "silence",
	// "error", "ended".
	StopReason string `json:"stopReason"`

	// Restarts counts internal re-opens in continuous mode.
	Restarts int `json:"restarts"`

	// Errors counts engine error callbacks, absorbed or not.
	Errors int `json:"errors"`

	// Matches holds the last final result of the session.
	Matches []string `json:"matches,omitempty"`
}

// Duration returns StoppedAt - StartedAt, or zero when the record is open.
func (r *Record) Duration() time.Duration {
	if r.StoppedAt.IsZero() {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

// Validate checks that r can be stored.
func (r *Record) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if r.StartedAt.IsZero() {
		errs = append(errs, errors.New("started_at must be set"))
	}
	if !r.StoppedAt.IsZero() && r.StoppedAt.Before(r.StartedAt) {
		errs = append(errs, errors.New("stopped_at must not precede started_at"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("history: invalid record: %w", err)
	}
	return nil
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces the record with r.ID.
	Save(ctx context.Context, r *Record) error

	// Get returns the record with id, or (nil, nil) when none exists.
	Get(ctx context.Context, id string) (*Record, error)

	// Recent returns up to limit records, most recently started first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
