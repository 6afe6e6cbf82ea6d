package speech

import (
	"errors"
	"fmt"
)

// ErrorCode is a recognizer error code. The numeric values follow the codes
// published by the mobile platform recognizers so hosts can rely on them.
type ErrorCode int

const (
	CodeNetworkTimeout          ErrorCode = 1
	CodeNetwork                 ErrorCode = 2
	CodeAudio                   ErrorCode = 3
	CodeServer                  ErrorCode = 4
	CodeClient                  ErrorCode = 5
	CodeSpeechTimeout           ErrorCode = 6
	CodeNoMatch                 ErrorCode = 7
	CodeBusy                    ErrorCode = 8
	CodeInsufficientPermissions ErrorCode = 9
	CodeTooManyRequests         ErrorCode = 10
	CodeServerDisconnected      ErrorCode = 11
	CodeLanguageNotSupported    ErrorCode = 12
	CodeLanguageUnavailable     ErrorCode = 13
)

// Class is the result of classifying an ErrorCode.
type Class int

const (
	// ClassFatal errors always terminate the session.
	ClassFatal Class = iota

	// ClassTransient errors are recoverable without user intervention: a
	// continuous session absorbs them by re-opening the engine.
	ClassTransient
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// Classify maps code to its Class. Only no-match and speech-timeout are
// transient.
func Classify(code ErrorCode) Class {
	switch code {
	case CodeNoMatch, CodeSpeechTimeout:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Name returns a short machine-friendly name for the code.
func (c ErrorCode) Name() string {
	switch c {
	case CodeNetworkTimeout:
		return "network-timeout"
	case CodeNetwork:
		return "network"
	case CodeAudio:
		return "audio"
	case CodeServer:
		return "server"
	case CodeClient:
		return "client"
	case CodeSpeechTimeout:
		return "speech-timeout"
	case CodeNoMatch:
		return "no-match"
	case CodeBusy:
		return "busy"
	case CodeInsufficientPermissions:
		return "insufficient-permissions"
	case CodeTooManyRequests:
		return "too-many-requests"
	case CodeServerDisconnected:
		return "server-disconnected"
	case CodeLanguageNotSupported:
		return "language-not-supported"
	case CodeLanguageUnavailable:
		return "language-unavailable"
	default:
		return "unknown"
	}
}

// Message returns the user-facing description reported on the onError channel.
func (c ErrorCode) Message() string {
	switch c {
	case CodeNetworkTimeout:
		return "Network timeout"
	case CodeNetwork:
		return "Network error"
	case CodeAudio:
		return "Audio recording error"
	case CodeServer:
		return "Error from server"
	case CodeClient:
		return "Client side error"
	case CodeSpeechTimeout:
		return "No speech input"
	case CodeNoMatch:
		return "No match"
	case CodeBusy:
		return "RecognitionService busy"
	case CodeInsufficientPermissions:
		return "Insufficient permissions"
	case CodeTooManyRequests:
		return "Too many requests"
	case CodeServerDisconnected:
		return "Server disconnected"
	case CodeLanguageNotSupported:
		return "Language not supported"
	case CodeLanguageUnavailable:
		return "Language unavailable"
	default:
		return "Didn't understand, please try again."
	}
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), int(c))
}

var (
	// ErrTransient matches any *RecognitionError whose code is transient.
	ErrTransient = errors.New("transient recognition error")

	// ErrFatal matches any *RecognitionError whose code is fatal.
	ErrFatal = errors.New("fatal recognition error")
)

// RecognitionError is a mid-session recognizer failure.
type RecognitionError struct {
	Code ErrorCode
	Err  error
}

// Error implements error.
func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech: %s: %v", e.Code.Message(), e.Err)
	}
	return "speech: " + e.Code.Message()
}

// Unwrap returns the backend error, if any.
func (e *RecognitionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransient or ErrFatal matching the code's
// class.
func (e *RecognitionError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return Classify(e.Code) == ClassTransient
	case ErrFatal:
		return Classify(e.Code) == ClassFatal
	}
	return false
}

// CodeForStatus maps an HTTP status returned by a recognition service to an
// ErrorCode.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == 429:
		return CodeTooManyRequests
	case status == 401, status == 403:
		return CodeInsufficientPermissions
	case status == 408, status == 504:
		return CodeNetworkTimeout
	case status == 503:
		return CodeBusy
	case status >= 400 && status < 500:
		return CodeClient
	default:
		return CodeServer
	}
}
