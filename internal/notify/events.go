// Package notify delivers listening-session notifications to the caller.
//
// A [Gateway] exposes three named channels ([EventListeningState],
// [EventPartialResults] and [EventError]) and delivers events to listeners in
// exactly the order they were emitted. Emitting never blocks: events are queued
// and handed to listeners by a single dispatcher goroutine.
package notify

// EventName identifies one of the three notification channels.
type EventName string

const (
	// EventListeningState carries [ListeningState] payloads.
	EventListeningState EventName = "listeningState"

	// EventPartialResults carries [PartialResults] payloads.
	EventPartialResults EventName = "partialResults"

	// EventError carries [ErrorPayload] payloads.
	EventError EventName = "onError"
)

// IsValid reports whether n is one of the three channels.
func (n EventName) IsValid() bool {
	switch n {
	case EventListeningState, EventPartialResults, EventError:
		return true
	}
	return false
}

// Status is the lifecycle state announced on [EventListeningState].
type Status string

const (
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
)

// ListeningState is the payload of [EventListeningState].
type ListeningState struct {
	Status Status `json:"status"`
}

// PartialResults is the payload of [EventPartialResults].
type PartialResults struct {
	Matches []string `json:"matches"`
}

// ErrorPayload is the payload of [EventError].
type ErrorPayload struct {
	Error     string `json:"error"`
	ErrorCode *int   `json:"errorCode,omitempty"`
}

// Event is one notification. Data holds the payload type matching Name.
type Event struct {
	Name EventName `json:"event"`
	Data any       `json:"data"`
}

// Started returns a listeningState:started event.
func Started() Event {
	return Event{Name: EventListeningState, Data: ListeningState{Status: StatusStarted}}
}

// Stopped returns a listeningState:stopped event.
func Stopped() Event {
	return Event{Name: EventListeningState, Data: ListeningState{Status: StatusStopped}}
}

// Partial returns a partialResults event. matches is copied.
func Partial(matches []string) Event {
	cp := make([]string, len(matches))
	copy(cp, matches)
	return Event{Name: EventPartialResults, Data: PartialResults{Matches: cp}}
}

// Error returns an onError event. A nil code omits errorCode.
func Error(msg string, code *int) Event {
	return Event{Name: EventError, Data: ErrorPayload{Error: msg, ErrorCode: code}}
}

// Label returns a compact "name" or "name:status" string, handy for logs and
// test assertions.
func (e Event) Label() string {
	if ls, ok := e.Data.(ListeningState); ok {
		return string(e.Name) + ":" + string(ls.Status)
	}
	return string(e.Name)
}
