// Package recognition implements the listening session controller.
//
// A [Controller] owns at most one session at a time. All session state lives
// in a single actor goroutine that serially processes start and stop requests,
// engine callbacks, and silence-timer expirations. Each engine handle gets a
// forwarding goroutine that tags its callbacks with the handle's generation so
// that callbacks from superseded handles are discarded.
//
// Callers observe the session through a [notify.Gateway]: exactly one
// listeningState:started per Start (internal restarts are invisible), any
// number of partialResults and onError events, and exactly one terminal
// listeningState:stopped.
package recognition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/timer"
	"github.com/MrWong99/earshot/pkg/speech"
)

// inboxSize is the buffer of the actor's message queue.
const inboxSize = 64

// historyTimeout bounds a single history write.
const historyTimeout = 5 * time.Second

// actor messages
type (
	startRequest struct {
		ctx   context.Context
		opts  sessionOptions
		reply chan startReply
	}
	startReply struct {
		err  error
		wait <-chan Result
	}
	stopRequest  struct{ reply chan struct{} }
	closeRequest struct{ reply chan struct{} }
	engineEvent  struct {
		gen uint64
		ev  speech.Event
	}
	engineEnded  struct{ gen uint64 }
	silenceFired struct {
		sess  *session
		token uint64
	}
)

// Controller runs listening sessions against a [speech.Engine]. All methods
// are safe for concurrent use.
type Controller struct {
	engine     speech.Engine
	engineName string
	auth       speech.Authorizer
	gateway    *notify.Gateway
	sched      *timer.Scheduler
	store      history.Store
	metrics    *observe.Metrics

	defaultsMu sync.RWMutex
	defaults   Defaults

	baseCtx    context.Context
	cancelBase context.CancelFunc

	inbox     chan any
	done      chan struct{}
	closeOnce sync.Once
	historyWG sync.WaitGroup

	listening atomic.Bool
	state     atomic.Int32

	// Owned by the actor goroutine.
	sess         *session
	gen          uint64
	silenceToken uint64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithScheduler replaces the silence timer scheduler. Tests pass one backed by
// a [timer.ManualClock].
func WithScheduler(s *timer.Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// WithHistory records every finished session in store.
func WithHistory(store history.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithDefaults sets the initial defaults. See [Controller.SetDefaults].
func WithDefaults(d Defaults) Option {
	return func(c *Controller) { c.defaults = d }
}

// WithEngineName labels history records with the backend name.
func WithEngineName(name string) Option {
	return func(c *Controller) { c.engineName = name }
}

// New creates a Controller and starts its actor goroutine. Call
// [Controller.Close] to stop it.
func New(engine speech.Engine, auth speech.Authorizer, gw *notify.Gateway, opts ...Option) *Controller {
	c := &Controller{
		engine:   engine,
		auth:     auth,
		gateway:  gw,
		defaults: Defaults{Language: DefaultLanguage, MaxResults: speech.DefaultMaxResults},
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sched == nil {
		c.sched = timer.New()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())
	go c.run()
	return c
}

// Defaults returns the current defaults.
func (c *Controller) Defaults() Defaults {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.defaults
}

// SetDefaults replaces the defaults applied by subsequent Start calls. The
// running session keeps the options it was started with, except that a new
// restart cap applies immediately.
func (c *Controller) SetDefaults(d Defaults) {
	c.defaultsMu.Lock()
	defer c.defaultsMu.Unlock()
	c.defaults = d
}

// Start begins a listening session.
//
// With opts.PartialResults set, Start returns as soon as the engine is open.
// Otherwise it blocks until the first final result and returns its matches;
// if the session ends first it returns an empty Result and no error. When ctx
// is cancelled while waiting, Start returns ctx.Err() and the session keeps
// running.
//
// A ctx cancelled after the request reached the actor can also race the
// engine open: Start reports ctx.Err() although a session may have been
// started. Check [Controller.IsListening] or call [Controller.Stop] before
// retrying, otherwise the retry fails with [ErrAlreadyListening].
//
// Errors wrap [ErrInvalidOptions], [ErrPermissionDenied],
// [ErrAlreadyListening], [ErrEngineUnavailable] or [ErrClosed].
func (c *Controller) Start(ctx context.Context, opts UtteranceOptions) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "recognition.Start",
		trace.WithAttributes(
			attribute.String("language", opts.Language),
			attribute.Bool("continuous", opts.Continuous),
			attribute.Bool("partial_results", opts.PartialResults),
		),
	)
	defer span.End()

	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	// Checked again by the actor; this only spares a permission prompt.
	if c.IsListening() {
		return Result{}, ErrAlreadyListening
	}
	if err := c.ensurePermission(ctx); err != nil {
		return Result{}, err
	}

	if c.closed() {
		return Result{}, ErrClosed
	}
	req := startRequest{
		ctx:   ctx,
		opts:  opts.resolve(c.Defaults(), c.engine.MaxResults()),
		reply: make(chan startReply, 1),
	}
	select {
	case c.inbox <- req:
	case <-c.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	var rep startReply
	select {
	case rep = <-req.reply:
	case <-c.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if rep.err != nil {
		span.RecordError(rep.err)
		return Result{}, rep.err
	}
	if rep.wait == nil {
		return Result{}, nil
	}

	select {
	case r := <-rep.wait:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		select {
		case r := <-rep.wait:
			return r, nil
		default:
			return Result{}, nil
		}
	}
}

func (c *Controller) ensurePermission(ctx context.Context) error {
	state, err := c.auth.Check(ctx)
	if err != nil {
		return &PermissionError{State: state, Err: err}
	}
	if state == speech.PermissionPrompt {
		if state, err = c.auth.Request(ctx); err != nil {
			return &PermissionError{State: state, Err: err}
		}
	}
	if state != speech.PermissionGranted {
		return &PermissionError{State: state}
	}
	return nil
}

// Stop ends the current session and emits exactly one listeningState:stopped.
// Calling Stop with nothing listening still emits stopped.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "recognition.Stop")
	defer span.End()

	if c.closed() {
		return ErrClosed
	}
	reply := make(chan struct{})
	select {
	case c.inbox <- stopRequest{reply: reply}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// IsListening reports whether an engine handle is running. It never blocks.
func (c *Controller) IsListening() bool { return c.listening.Load() }

// State returns a snapshot of the session state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Available reports whether the engine can be used.
func (c *Controller) Available(ctx context.Context) bool { return c.engine.Available(ctx) }

// SupportedLanguages lists the engine's language tags.
func (c *Controller) SupportedLanguages(ctx context.Context) ([]string, error) {
	langs, err := c.engine.SupportedLanguages(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognition: supported languages: %w", err)
	}
	return langs, nil
}

// CheckPermissions returns the current permission state without prompting.
func (c *Controller) CheckPermissions(ctx context.Context) (speech.PermissionState, error) {
	return c.auth.Check(ctx)
}

// RequestPermissions prompts for permission where possible.
func (c *Controller) RequestPermissions(ctx context.Context) (speech.PermissionState, error) {
	return c.auth.Request(ctx)
}

// Close stops any running session, emitting stopped, and terminates the
// actor. It waits for pending history writes. Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		reply := make(chan struct{})
		select {
		case c.inbox <- closeRequest{reply: reply}:
			<-reply
		case <-c.done:
		}
	})
	<-c.done
	c.historyWG.Wait()
	return nil
}

// ─── actor ───────────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.done)
	for msg := range c.inbox {
		switch m := msg.(type) {
		case startRequest:
			m.reply <- c.handleStart(m)
		case stopRequest:
			c.handleStop()
			close(m.reply)
		case engineEvent:
			if s := c.current(m.gen); s != nil {
				c.route(s, m.ev)
			}
		case engineEnded:
			if s := c.current(m.gen); s != nil {
				c.routeEnded(s)
			}
		case silenceFired:
			c.handleSilence(m)
		case closeRequest:
			if c.sess != nil {
				c.sess.stoppingIntentionally = true
				c.end(c.sess, reasonClose)
			}
			c.cancelBase()
			close(m.reply)
			return
		}
	}
}

// current returns the active session if gen belongs to its engine handle.
func (c *Controller) current(gen uint64) *session {
	s := c.sess
	if s == nil || s.handle == nil || s.gen != gen {
		return nil
	}
	return s
}

func (c *Controller) handleStart(req startRequest) startReply {
	if c.sess != nil && c.sess.handle != nil {
		return startReply{err: ErrAlreadyListening}
	}
	if c.sess != nil {
		c.sess.cancelSilence()
		c.sess = nil
	}

	s := &session{
		id:        uuid.NewString(),
		opts:      req.opts,
		startedAt: time.Now(),
		state:     StateStarting,
	}
	if !req.opts.speech.PartialResults {
		s.pending = make(chan Result, 1)
	}

	ctx := observe.WithSession(req.ctx, s.id)
	s.log = observe.Logger(ctx)
	if err := c.open(ctx, s); err != nil {
		s.log.Warn("recognition: engine open failed", "err", err)
		return startReply{err: fmt.Errorf("%w: %w", ErrEngineUnavailable, err)}
	}

	c.sess = s
	c.listening.Store(true)
	c.setState(s, StateStarting)
	c.metrics.SessionsStarted.Add(req.ctx, 1)
	c.metrics.ActiveSessions.Add(req.ctx, 1)
	s.log.Info("recognition: session started",
		"language", s.opts.speech.Language,
		"continuous", s.opts.continuous,
		"partial_results", s.opts.speech.PartialResults,
		"silence_timeout", s.opts.speech.SilenceTimeout,
	)
	return startReply{wait: s.pending}
}

func (c *Controller) handleStop() {
	s := c.sess
	if s == nil {
		c.state.Store(int32(StateStopped))
		c.emit(notify.Stopped())
		return
	}
	s.stoppingIntentionally = true
	c.end(s, reasonStop)
}

func (c *Controller) handleSilence(m silenceFired) {
	s := c.sess
	if s == nil || s != m.sess || s.silence == nil || c.silenceToken != m.token || s.silence.Cancelled() {
		return
	}
	s.silence = nil
	c.metrics.SilenceTimeouts.Add(c.baseCtx, 1)
	s.log.Debug("recognition: silence timeout")
	c.end(s, reasonSilence)
}

// open opens a new engine handle for s under a fresh generation.
func (c *Controller) open(ctx context.Context, s *session) error {
	ctx, span := observe.StartSpan(ctx, "recognition.openEngine")
	defer span.End()

	start := time.Now()
	h, err := c.engine.Open(ctx, s.opts.speech)
	c.metrics.EngineOpenDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("ok", err == nil)))
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.gen++
	s.gen = c.gen
	s.handle = h
	s.stopFwd = make(chan struct{})
	go c.forward(s.gen, h, s.stopFwd)
	return nil
}

// end tears s down and emits the terminal stopped event.
func (c *Controller) end(s *session, reason string) {
	s.cancelSilence()
	if err := s.detach(); err != nil {
		s.log.Debug("recognition: close engine handle", "err", err)
	}
	s.resolve(Result{})

	c.sess = nil
	c.listening.Store(false)
	c.setState(s, StateStopped)
	c.emit(notify.Stopped())

	dur := time.Since(s.startedAt)
	c.metrics.ActiveSessions.Add(c.baseCtx, -1)
	c.metrics.RecordSessionStopped(c.baseCtx, reason, dur.Seconds())
	s.log.Info("recognition: session stopped",
		"reason", reason,
		"duration", dur,
		"restarts", s.restarts,
	)
	c.record(s, reason)
}

func (c *Controller) setState(s *session, st State) {
	s.state = st
	c.state.Store(int32(st))
}

func (c *Controller) emit(ev notify.Event) {
	c.gateway.Emit(ev)
	c.metrics.RecordEvent(c.baseCtx, string(ev.Name))
}

// post delivers m to the actor unless the controller has shut down.
func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Controller) record(s *session, reason string) {
	if c.store == nil {
		return
	}
	rec := history.Record{
		ID:             s.id,
		Engine:         c.engineName,
		Language:       s.opts.speech.Language,
		MaxResults:     s.opts.speech.MaxResults,
		PartialResults: s.opts.speech.PartialResults,
		Continuous:     s.opts.continuous,
		SilenceTimeout: s.opts.speech.SilenceTimeout,
		StartedAt:      s.startedAt,
		StoppedAt:      time.Now(),
		StopReason:     reason,
		Restarts:       s.restarts,
		Errors:         s.errors,
		Matches:        s.lastMatches,
	}
	log := s.log
	c.historyWG.Add(1)
	go func() {
		defer c.historyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := c.store.Save(ctx, &rec); err != nil {
			log.Warn("recognition: failed to record session", "err", err)
		}
	}()
}

// ─── forwarding ──────────────────────────────────────────────────────────────

// forward copies callbacks from h into the actor inbox, tagged with gen, until
// the handle ends or stop is closed.
func (c *Controller) forward(gen uint64, h speech.Handle, stop <-chan struct{}) {
	events := h.Events()
	for {
		select {
		case <-stop:
			drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				c.send(stop, engineEnded{gen: gen})
				return
			}
			if !c.send(stop, engineEvent{gen: gen, ev: ev}) {
				drain(events)
				return
			}
		}
	}
}

func (c *Controller) send(stop <-chan struct{}, m any) bool {
	select {
	case c.inbox <- m:
		return true
	case <-stop:
		return false
	case <-c.done:
		return false
	}
}

// drain discards events until the handle closes its channel, so that a backend
// blocked on sending can finish.
func drain(events <-chan speech.Event) {
	for range events {
	}
}
