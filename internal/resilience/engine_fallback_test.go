package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/speech"
	"github.com/MrWong99/earshot/pkg/speech/mock"
)

func newEngineFallback(primary, secondary *mock.Engine) *EngineFallback {
	f := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	f.AddFallback("secondary", secondary)
	return f
}

func TestEngineFallback_OpenPrimary(t *testing.T) {
	primary, secondary := &mock.Engine{}, &mock.Engine{}
	f := newEngineFallback(primary, secondary)

	h, err := f.Open(context.Background(), speech.Options{Language: "en-US"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if primary.OpenCallCount() != 1 || secondary.OpenCallCount() != 0 {
		t.Fatalf("open calls = %d/%d, want 1/0", primary.OpenCallCount(), secondary.OpenCallCount())
	}
	if got := f.Active(); got != "primary" {
		t.Fatalf("Active = %q, want primary", got)
	}
	if got := primary.OpenCalls[0].Opts.Language; got != "en-US" {
		t.Fatalf("language = %q, want en-US", got)
	}
}

func TestEngineFallback_OpenFailover(t *testing.T) {
	primary := &mock.Engine{OpenErr: errors.New("unreachable")}
	secondary := &mock.Engine{}
	f := newEngineFallback(primary, secondary)

	for i := 0; i < 3; i++ {
		h, err := f.Open(context.Background(), speech.Options{})
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		h.Close()
	}
	if got := f.Active(); got != "secondary" {
		t.Fatalf("Active = %q, want secondary", got)
	}
	// The primary's breaker opens after two failures.
	if got := primary.OpenCallCount(); got != 2 {
		t.Fatalf("primary open calls = %d, want 2", got)
	}
	if got := secondary.OpenCallCount(); got != 3 {
		t.Fatalf("secondary open calls = %d, want 3", got)
	}
}

func TestEngineFallback_OpenAllFail(t *testing.T) {
	f := newEngineFallback(
		&mock.Engine{OpenErr: errors.New("a")},
		&mock.Engine{OpenErr: errors.New("b")},
	)
	if _, err := f.Open(context.Background(), speech.Options{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := f.Active(); got != "" {
		t.Fatalf("Active = %q, want empty", got)
	}
}

func TestEngineFallback_Available(t *testing.T) {
	tests := []struct {
		name               string
		primary, secondary bool
		tripPrimary        bool
		want               bool
	}{
		{name: "both", primary: true, secondary: true, want: true},
		{name: "secondary only", secondary: true, want: true},
		{name: "none", want: false},
		{name: "primary tripped", primary: true, tripPrimary: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &mock.Engine{Unavailable: !tt.primary}
			secondary := &mock.Engine{Unavailable: !tt.secondary}
			f := newEngineFallback(primary, secondary)
			if tt.tripPrimary {
				primary.OpenErr = errors.New("down")
				secondary.OpenErr = errors.New("down")
				for i := 0; i < 2; i++ {
					_, _ = f.Open(context.Background(), speech.Options{})
				}
			}
			if got := f.Available(context.Background()); got != tt.want {
				t.Fatalf("Available = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineFallback_SupportedLanguages(t *testing.T) {
	primary := &mock.Engine{Unavailable: true, Languages: []string{"de-DE"}}
	secondary := &mock.Engine{Languages: []string{"fr-FR", "it-IT"}}
	f := newEngineFallback(primary, secondary)

	got, err := f.SupportedLanguages(context.Background())
	if err != nil {
		t.Fatalf("SupportedLanguages: %v", err)
	}
	if !slices.Equal(got, []string{"fr-FR", "it-IT"}) {
		t.Fatalf("languages = %v, want [fr-FR it-IT]", got)
	}

	secondary.LanguagesErr = errTest
	if _, err := f.SupportedLanguages(context.Background()); !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
}

func TestEngineFallback_MaxResults(t *testing.T) {
	tests := []struct {
		name string
		a, b int
		want int
	}{
		{name: "larger wins", a: 1, b: 10, want: 10},
		{name: "unlimited wins", a: 5, b: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFallback(&mock.Engine{Max: tt.a}, &mock.Engine{Max: tt.b})
			if got := f.MaxResults(); got != tt.want {
				t.Fatalf("MaxResults = %d, want %d", got, tt.want)
			}
		})
	}
}
