package recognition

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/timer"
	"github.com/MrWong99/earshot/pkg/speech"
)

// State is the lifecycle state of the current listening session.
type State int32

const (
	// StateIdle means no session has been started yet.
	StateIdle State = iota

	// StateStarting means an engine handle is open and waiting for ready.
	StateStarting

	// StateListening means the engine reported ready and is capturing.
	StateListening

	// StateRestarting means a transient error closed the handle and a new one
	// is being opened behind the caller's back.
	StateRestarting

	// StateStopped means the last session ended.
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stop reasons recorded in metrics and history.
const (
	reasonStop    = "stop"
	reasonFinal   = "final"
	reasonSilence = "silence"
	reasonError   = "error"
	reasonEnded   = "ended"
	reasonClose   = "close"
)

// session is one start-to-stop recognition attempt. It is owned by the
// controller's actor goroutine and never touched from anywhere else.
type session struct {
	id        string
	log       *slog.Logger
	opts      sessionOptions
	startedAt time.Time
	state     State

	// gen identifies the current engine handle. Callbacks tagged with any
	// other generation are stale.
	gen     uint64
	handle  speech.Handle
	stopFwd chan struct{}

	speechDetected        bool
	restarting            bool
	stoppingIntentionally bool

	// announced is set once listeningState:started went out for this
	// session. Later ready callbacks stay silent.
	announced bool

	// silence is the pending silence timer, if any.
	silence *timer.Handle

	// pending receives the Start result when the caller is waiting for the
	// first final result. Buffered with capacity one.
	pending  chan Result
	resolved bool

	restarts    int
	consecutive int
	errors      int
	lastMatches []string
}

// resolve delivers r to a waiting Start exactly once.
func (s *session) resolve(r Result) {
	if s.pending == nil || s.resolved {
		return
	}
	s.resolved = true
	s.pending <- r
}

// cancelSilence cancels the pending silence timer, if any.
func (s *session) cancelSilence() {
	if s.silence != nil {
		s.silence.Cancel()
		s.silence = nil
	}
}

// detach closes the engine handle and stops its forwarder. The generation is
// left unchanged; callers that reopen assign a new one.
func (s *session) detach() error {
	if s.handle == nil {
		return nil
	}
	close(s.stopFwd)
	h := s.handle
	s.handle = nil
	s.stopFwd = nil
	return h.Close()
}

func hasMatch(matches []string) bool {
	for _, m := range matches {
		if m != "" {
			return true
		}
	}
	return false
}
