package speech

import (
	"context"
	"fmt"
	"sync"
)

// PermissionState is the microphone + speech recognition authorisation state.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"

	// PermissionPrompt means the user has not been asked yet.
	PermissionPrompt PermissionState = "prompt"
)

// IsValid reports whether s is a recognised permission state.
func (s PermissionState) IsValid() bool {
	switch s {
	case PermissionGranted, PermissionDenied, PermissionPrompt:
		return true
	}
	return false
}

// Authorizer checks and requests microphone and speech recognition permission.
type Authorizer interface {
	// Check returns the current state without prompting.
	Check(ctx context.Context) (PermissionState, error)

	// Request prompts for permission where the platform allows it and returns the
	// resulting state.
	Request(ctx context.Context) (PermissionState, error)
}

// StaticAuthorizer is an Authorizer with a fixed, operator-configured answer.
// Headless deployments have no permission dialog; a "prompt" state resolves to
// Granted on Request, mirroring a user who accepts the dialog.
type StaticAuthorizer struct {
	mu    sync.Mutex
	state PermissionState
}

// NewStaticAuthorizer returns a StaticAuthorizer starting in state.
func NewStaticAuthorizer(state PermissionState) (*StaticAuthorizer, error) {
	if !state.IsValid() {
		return nil, fmt.Errorf("speech: invalid permission state %q", state)
	}
	return &StaticAuthorizer{state: state}, nil
}

// Check implements Authorizer.
func (a *StaticAuthorizer) Check(_ context.Context) (PermissionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

// Request implements Authorizer.
func (a *StaticAuthorizer) Request(ctx context.Context) (PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == PermissionPrompt {
		a.state = PermissionGranted
	}
	return a.state, nil
}

// Set replaces the current state. Used by config hot reload.
func (a *StaticAuthorizer) Set(state PermissionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

var _ Authorizer = (*StaticAuthorizer)(nil)
