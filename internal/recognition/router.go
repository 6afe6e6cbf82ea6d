package recognition

import (
	"slices"

	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/speech"
)

// route applies one engine callback to s. It runs on the actor goroutine.
func (c *Controller) route(s *session, ev speech.Event) {
	if s.stoppingIntentionally {
		return
	}
	switch ev.Kind {
	case speech.EventReady:
		c.onReady(s)
	case speech.EventPartial:
		c.onPartial(s, ev.Matches)
	case speech.EventFinal:
		c.onFinal(s, ev.Matches)
	case speech.EventError:
		c.onError(s, ev)
	}
}

func (c *Controller) onReady(s *session) {
	switch s.state {
	case StateStarting, StateRestarting:
	default:
		return
	}
	s.restarting = false
	if !s.announced {
		s.announced = true
		c.emit(notify.Started())
	}
	c.setState(s, StateListening)
}

func (c *Controller) onPartial(s *session, matches []string) {
	if hasMatch(matches) {
		s.speechDetected = true
		s.consecutive = 0
	}
	if s.silence != nil {
		// Speech is still going: count the silence from this result.
		c.armSilence(s)
	}
	if !s.opts.speech.PartialResults {
		return
	}
	c.emit(notify.Partial(matches))
}

func (c *Controller) onFinal(s *session, matches []string) {
	if hasMatch(matches) {
		s.speechDetected = true
		s.consecutive = 0
	}
	s.lastMatches = slices.Clone(matches)
	s.resolve(Result{Matches: slices.Clone(matches)})

	switch {
	case s.opts.speech.SilenceTimeout > 0 && s.speechDetected:
		c.armSilence(s)
	case s.opts.continuous:
	default:
		c.end(s, reasonFinal)
	}
}

func (c *Controller) onError(s *session, ev speech.Event) {
	s.errors++
	class := speech.Classify(ev.Code)
	c.metrics.RecordEngineError(c.baseCtx, int(ev.Code), class.String())
	s.log.Debug("recognition: engine error",
		"code", ev.Code.String(),
		"class", class.String(),
		"err", ev.Err,
	)

	if class == speech.ClassTransient && s.opts.continuous {
		if limit := c.Defaults().MaxConsecutiveRestarts; limit > 0 && s.consecutive >= limit {
			s.log.Warn("recognition: restart limit reached", "limit", limit)
			c.fail(s, ev.Code)
			return
		}
		c.emitError(ev.Code)
		c.reopen(s)
		return
	}
	c.fail(s, ev.Code)
}

// routeEnded handles an engine handle whose event stream closed without an
// error. Continuous sessions and sessions waiting on a silence timer re-open
// silently; everything else stops.
func (c *Controller) routeEnded(s *session) {
	if s.stoppingIntentionally {
		return
	}
	if s.opts.continuous || s.silence != nil {
		s.log.Debug("recognition: engine ended, reopening")
		c.reopen(s)
		return
	}
	c.end(s, reasonEnded)
}

// reopen replaces the engine handle of s without telling the caller. A failed
// re-open is fatal.
func (c *Controller) reopen(s *session) {
	s.restarting = true
	s.consecutive++
	s.restarts++
	c.setState(s, StateRestarting)
	if err := s.detach(); err != nil {
		s.log.Debug("recognition: close engine handle", "err", err)
	}
	c.metrics.EngineRestarts.Add(c.baseCtx, 1)

	if err := c.open(observe.WithSession(c.baseCtx, s.id), s); err != nil {
		s.log.Warn("recognition: engine re-open failed", "err", err)
		code := int(speech.CodeClient)
		c.emit(notify.Error(err.Error(), &code))
		c.end(s, reasonError)
	}
}

// fail reports code and stops the session.
func (c *Controller) fail(s *session, code speech.ErrorCode) {
	c.emitError(code)
	c.end(s, reasonError)
}

func (c *Controller) emitError(code speech.ErrorCode) {
	n := int(code)
	c.emit(notify.Error(code.Message(), &n))
}

// armSilence (re)schedules the silence timer of s.
func (c *Controller) armSilence(s *session) {
	s.cancelSilence()
	c.silenceToken++
	msg := silenceFired{sess: s, token: c.silenceToken}
	s.silence = c.sched.Schedule(s.opts.speech.SilenceTimeout, func() { c.post(msg) })
}
