package recognition

import (
	"errors"
	"fmt"

	"github.com/MrWong99/earshot/pkg/speech"
)

var (
	// ErrAlreadyListening is returned by Start while an engine handle is running.
	ErrAlreadyListening = errors.New("recognition: already listening")

	// ErrPermissionDenied is returned by Start when microphone or speech
	// permission is not granted. The concrete error is a *PermissionError.
	ErrPermissionDenied = errors.New("recognition: permission denied")

	// ErrEngineUnavailable wraps a failure to open the engine.
	ErrEngineUnavailable = errors.New("recognition: engine unavailable")

	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("recognition: invalid options")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recognition: controller closed")
)

// PermissionError reports the permission state that blocked a Start.
type PermissionError struct {
	// State is the state after any permission request.
	State speech.PermissionState

	// Err is the authorizer failure, if the state could not be determined.
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition: permission denied (state=%s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("recognition: permission denied (state=%s)", e.State)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Is matches ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// Error kinds reported to hosts alongside HTTP status codes and MCP results.
const (
	KindAlreadyListening  = "AlreadyListening"
	KindPermissionDenied  = "PermissionDenied"
	KindEngineUnavailable = "EngineUnavailable"
	KindInvalidOptions    = "InvalidOptions"
	KindInternal          = "Internal"
)

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyListening):
		return KindAlreadyListening
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrEngineUnavailable), errors.Is(err, ErrClosed):
		return KindEngineUnavailable
	case errors.Is(err, ErrInvalidOptions):
		return KindInvalidOptions
	default:
		return KindInternal
	}
}
