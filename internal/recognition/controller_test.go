package recognition

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/timer"
	"github.com/MrWong99/earshot/pkg/speech"
	"github.com/MrWong99/earshot/pkg/speech/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const (
	started  = "listeningState:started"
	stopped  = "listeningState:stopped"
	partial  = "partialResults"
	errEvent = "onError"
)

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) add(ev notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Label()
	}
	return out
}

func (l *eventLog) count(label string) int {
	n := 0
	for _, got := range l.labels() {
		if got == label {
			n++
		}
	}
	return n
}

func (l *eventLog) errorCodes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var codes []int
	for _, ev := range l.events {
		if p, ok := ev.Data.(notify.ErrorPayload); ok && p.ErrorCode != nil {
			codes = append(codes, *p.ErrorCode)
		}
	}
	return codes
}

type harness struct {
	t      *testing.T
	eng    *mock.Engine
	auth   *speech.StaticAuthorizer
	gw     *notify.Gateway
	clock  *timer.ManualClock
	store  *history.MemStore
	reader *sdkmetric.ManualReader
	log    *eventLog
	c      *Controller
}

// newHarness wires a Controller to a mock engine, a manual clock and an
// in-memory history store. A nil eng selects an auto-ready mock.
func newHarness(t *testing.T, eng *mock.Engine, opts ...Option) *harness {
	t.Helper()
	if eng == nil {
		eng = &mock.Engine{AutoReady: true}
	}
	auth, err := speech.NewStaticAuthorizer(speech.PermissionGranted)
	if err != nil {
		t.Fatalf("NewStaticAuthorizer: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		t:      t,
		eng:    eng,
		auth:   auth,
		gw:     notify.New(),
		clock:  timer.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:  history.NewMemStore(0),
		reader: reader,
		log:    &eventLog{},
	}
	h.gw.AddTap(h.log.add)

	base := []Option{
		WithScheduler(timer.New(timer.WithClock(h.clock))),
		WithHistory(h.store),
		WithMetrics(met),
		WithEngineName("mock"),
	}
	h.c = New(eng, auth, h.gw, append(base, opts...)...)
	t.Cleanup(func() {
		_ = h.c.Close()
		h.gw.Close()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// flush waits until every event emitted so far reached the log.
func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Flush(ctx); err != nil {
		h.t.Fatalf("Flush: %v", err)
	}
}

func (h *harness) waitEvent(label string, n int) {
	h.t.Helper()
	waitFor(h.t, label, func() bool { return h.log.count(label) >= n })
}

func (h *harness) waitOpens(n int) {
	h.t.Helper()
	waitFor(h.t, "engine open", func() bool { return h.eng.OpenCallCount() >= n })
}

// startStreaming starts a session with PartialResults set, so Start returns
// without waiting for a final result, and waits for started.
func (h *harness) startStreaming(opts UtteranceOptions) {
	h.t.Helper()
	opts.PartialResults = true
	if _, err := h.c.Start(context.Background(), opts); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.waitEvent(started, 1)
}

func (h *harness) assertLabels(want ...string) {
	h.t.Helper()
	h.flush()
	if got := h.log.labels(); !slices.Equal(got, want) {
		h.t.Errorf("events = %v, want %v", got, want)
	}
}

// ─── Start ───────────────────────────────────────────────────────────────────

func TestStart_PartialResultsReturnsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	res, err := h.c.Start(context.Background(), UtteranceOptions{PartialResults: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("Matches = %v, want empty", res.Matches)
	}
	if !h.c.IsListening() {
		t.Error("IsListening() = false after Start")
	}
	h.waitEvent(started, 1)
	waitFor(t, "listening state", func() bool { return h.c.State() == StateListening })
}

func TestStart_StartedWaitsForReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{})

	if _, err := h.c.Start(context.Background(), UtteranceOptions{PartialResults: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.assertLabels()
	if got := h.c.State(); got != StateStarting {
		t.Errorf("State = %v, want starting", got)
	}

	h.eng.Last().Emit(speech.Ready())
	h.waitEvent(started, 1)
	h.eng.Last().Emit(speech.Ready())
	waitFor(t, "listening", func() bool { return h.c.State() == StateListening })
	h.assertLabels(started)
}

func TestStart_BlocksUntilFinalResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := h.c.Start(context.Background(), UtteranceOptions{})
		done <- out{res, err}
	}()

	h.waitEvent(started, 1)
	select {
	case <-done:
		t.Fatal("Start returned before a final result")
	default:
	}

	h.eng.Last().Emit(speech.Final("hello there", "hello their"))

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("Start: %v", o.err)
		}
		if !slices.Equal(o.res.Matches, []string{"hello there", "hello their"}) {
			t.Errorf("Matches = %v", o.res.Matches)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after final result")
	}

	h.waitEvent(stopped, 1)
	if h.c.IsListening() {
		t.Error("IsListening() = true after non-continuous final")
	}
	if !h.eng.Last().Closed() {
		t.Error("engine handle not closed")
	}
	h.assertLabels(started, stopped)
}

func TestStart_SessionEndsBeforeFinalReturnsEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	done := make(chan error, 1)
	var res Result
	go func() {
		var err error
		res, err = h.c.Start(context.Background(), UtteranceOptions{})
		done <- err
	}()
	h.waitEvent(started, 1)
	h.eng.Last().Emit(speech.Failure(speech.CodeNetwork, errors.New("reset")))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start error = %v, want nil for mid-session failure", err)
		}
		if len(res.Matches) != 0 {
			t.Errorf("Matches = %v, want empty", res.Matches)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after session ended")
	}
	h.waitEvent(stopped, 1)
	h.assertLabels(started, errEvent, stopped)
}

func TestStart_ContextCancelledKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.c.Start(ctx, UtteranceOptions{})
		done <- err
	}()
	h.waitEvent(started, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start ignored context cancellation")
	}
	if !h.c.IsListening() {
		t.Error("session should keep running after the caller gave up")
	}
}

func TestStart_AlreadyListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{})

	_, err := h.c.Start(context.Background(), UtteranceOptions{PartialResults: true})
	if !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second Start error = %v, want ErrAlreadyListening", err)
	}
	if Kind(err) != KindAlreadyListening {
		t.Errorf("Kind = %q", Kind(err))
	}
	if n := h.eng.OpenCallCount(); n != 1 {
		t.Errorf("OpenCallCount = %d, want 1", n)
	}
}

func TestStart_AlreadyListeningDoesNotPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{})
	h.auth.Set(speech.PermissionPrompt)

	_, err := h.c.Start(context.Background(), UtteranceOptions{PartialResults: true})
	if !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second Start error = %v, want ErrAlreadyListening", err)
	}
	if st, _ := h.c.CheckPermissions(context.Background()); st != speech.PermissionPrompt {
		t.Errorf("permission = %q after rejected Start, want prompt (no request)", st)
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.auth.Set(speech.PermissionDenied)

	_, err := h.c.Start(context.Background(), UtteranceOptions{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start error = %v, want ErrPermissionDenied", err)
	}
	var pe *PermissionError
	if !errors.As(err, &pe) || pe.State != speech.PermissionDenied {
		t.Errorf("PermissionError = %+v, want state denied", pe)
	}
	if n := h.eng.OpenCallCount(); n != 0 {
		t.Errorf("engine opened %d times despite denied permission", n)
	}
	h.assertLabels()
}

func TestStart_PromptRequestsPermission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.auth.Set(speech.PermissionPrompt)

	h.startStreaming(UtteranceOptions{})
	st, _ := h.c.CheckPermissions(context.Background())
	if st != speech.PermissionGranted {
		t.Errorf("permission after Start = %q, want granted", st)
	}
}

func TestStart_EngineUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{OpenErr: errors.New("dial tcp: refused")})

	_, err := h.c.Start(context.Background(), UtteranceOptions{})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("Start error = %v, want ErrEngineUnavailable", err)
	}
	if h.c.IsListening() {
		t.Error("IsListening() = true after failed open")
	}
	h.assertLabels()
}

func TestStart_InvalidOptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.c.Start(context.Background(), UtteranceOptions{MaxResults: -1, SilenceTimeoutMs: -5})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("Start error = %v, want ErrInvalidOptions", err)
	}
	if Kind(err) != KindInvalidOptions {
		t.Errorf("Kind = %q", Kind(err))
	}
}

func TestStart_ResolvesOptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{AutoReady: true, Max: 3},
		WithDefaults(Defaults{Language: "de-DE", MaxResults: 2}))

	h.startStreaming(UtteranceOptions{MaxResults: 10, SilenceTimeoutMs: 1500, Prompt: "Say something", Popup: true})
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.startStreaming(UtteranceOptions{Language: "fr-FR"})

	calls := h.eng.OpenCalls
	if len(calls) != 2 {
		t.Fatalf("OpenCalls = %d, want 2", len(calls))
	}
	first := calls[0].Opts
	if first.Language != "de-DE" || first.MaxResults != 3 || first.SilenceTimeout != 1500*time.Millisecond {
		t.Errorf("first opts = %+v", first)
	}
	second := calls[1].Opts
	if second.Language != "fr-FR" || second.MaxResults != 2 {
		t.Errorf("second opts = %+v", second)
	}
}

// ─── transitions ─────────────────────────────────────────────────────────────

func TestContinuous_TransientErrorsRestartSilently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})

	codes := []speech.ErrorCode{speech.CodeNoMatch, speech.CodeSpeechTimeout, speech.CodeNoMatch, speech.CodeNoMatch}
	for i, code := range codes {
		h.eng.Last().Emit(speech.Failure(code, nil))
		h.waitOpens(i + 2)
		if !h.c.IsListening() {
			t.Fatalf("IsListening() = false after transient error %d", i+1)
		}
	}
	waitFor(t, "listening after restarts", func() bool { return h.c.State() == StateListening })

	h.flush()
	if n := h.log.count(started); n != 1 {
		t.Errorf("started events = %d, want exactly 1", n)
	}
	if n := h.log.count(errEvent); n != len(codes) {
		t.Errorf("onError events = %d, want %d", n, len(codes))
	}
	if n := h.log.count(stopped); n != 0 {
		t.Errorf("stopped events = %d, want 0", n)
	}
	if got := h.log.errorCodes(); !slices.Equal(got, []int{7, 6, 7, 7}) {
		t.Errorf("error codes = %v", got)
	}
	for i, hd := range h.eng.Handles()[:len(codes)] {
		if !hd.Closed() {
			t.Errorf("superseded handle %d not closed", i)
		}
	}
}

func TestContinuous_ErrorBeforeFirstReadyStillAnnouncesStarted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{})
	if _, err := h.c.Start(context.Background(), UtteranceOptions{Continuous: true, PartialResults: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	h.eng.Last().Emit(speech.Ready())
	h.waitEvent(started, 1)
	if !h.c.IsListening() {
		t.Fatal("IsListening() = false after transient error")
	}

	h.eng.Last().Emit(speech.Failure(speech.CodeSpeechTimeout, nil))
	h.waitOpens(3)
	h.eng.Last().Emit(speech.Ready())
	waitFor(t, "listening after second restart", func() bool { return h.c.State() == StateListening })

	h.assertLabels(errEvent, started, errEvent)
}

func TestNonContinuous_AnyErrorStops(t *testing.T) {
	t.Parallel()

	codes := []speech.ErrorCode{
		speech.CodeNoMatch, speech.CodeSpeechTimeout, speech.CodeNetwork,
		speech.CodeAudio, speech.CodeInsufficientPermissions, speech.ErrorCode(99),
	}
	for _, code := range codes {
		t.Run(code.Name(), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.startStreaming(UtteranceOptions{})

			h.eng.Last().Emit(speech.Failure(code, nil))
			h.waitEvent(stopped, 1)

			if h.c.IsListening() {
				t.Error("IsListening() = true after error")
			}
			if h.eng.OpenCallCount() != 1 {
				t.Errorf("engine re-opened in non-continuous mode")
			}
			h.assertLabels(started, errEvent, stopped)
			if got := h.log.errorCodes(); !slices.Equal(got, []int{int(code)}) {
				t.Errorf("error codes = %v, want [%d]", got, int(code))
			}
		})
	}
}

func TestContinuous_FatalErrorStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})

	h.eng.Last().Emit(speech.Failure(speech.CodeServer, nil))
	h.waitEvent(stopped, 1)

	if h.c.IsListening() {
		t.Error("IsListening() = true after fatal error")
	}
	if got := h.c.State(); got != StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
	h.assertLabels(started, errEvent, stopped)
}

func TestContinuous_FinalKeepsListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := h.c.Start(context.Background(), UtteranceOptions{Continuous: true})
		done <- res
	}()
	h.waitEvent(started, 1)

	h.eng.Last().Emit(speech.Final("first"))
	select {
	case res := <-done:
		if !slices.Equal(res.Matches, []string{"first"}) {
			t.Errorf("Matches = %v", res.Matches)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start not resolved by first final result")
	}

	h.eng.Last().Emit(speech.Final("second"))
	h.flush()
	if !h.c.IsListening() {
		t.Error("continuous session stopped after final result")
	}
	h.assertLabels(started)
}

func TestPartialResults(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.startStreaming(UtteranceOptions{Continuous: true})

		h.eng.Last().Emit(speech.Partial("hel"))
		h.eng.Last().Emit(speech.Partial("hello"))
		h.waitEvent(partial, 2)
		h.assertLabels(started, partial, partial)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		go func() { _, _ = h.c.Start(context.Background(), UtteranceOptions{Continuous: true}) }()
		h.waitEvent(started, 1)

		h.eng.Last().Emit(speech.Partial("hel"))
		h.eng.Last().Emit(speech.Final("hello"))
		h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
		h.waitEvent(errEvent, 1)
		h.assertLabels(started, errEvent)
	})
}

func TestEngineEnded(t *testing.T) {
	t.Parallel()

	t.Run("continuous reopens silently", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.startStreaming(UtteranceOptions{Continuous: true})

		h.eng.Last().End()
		h.waitOpens(2)
		waitFor(t, "listening", func() bool { return h.c.State() == StateListening })
		if !h.c.IsListening() {
			t.Error("IsListening() = false after silent reopen")
		}
		h.assertLabels(started)
	})

	t.Run("non-continuous stops", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.startStreaming(UtteranceOptions{})

		h.eng.Last().End()
		h.waitEvent(stopped, 1)
		h.assertLabels(started, stopped)
	})
}

func TestReopenFailureIsFatal(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{
		AutoReady: true,
		OpenErrFunc: func(call int) error {
			if call > 1 {
				return errors.New("engine gone")
			}
			return nil
		},
	}
	h := newHarness(t, eng)
	h.startStreaming(UtteranceOptions{Continuous: true})

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitEvent(stopped, 1)

	h.assertLabels(started, errEvent, errEvent, stopped)
	if got := h.log.errorCodes(); !slices.Equal(got, []int{int(speech.CodeNoMatch), int(speech.CodeClient)}) {
		t.Errorf("error codes = %v", got)
	}
	if h.c.IsListening() {
		t.Error("IsListening() = true after failed reopen")
	}
}

func TestRestartLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, WithDefaults(Defaults{MaxConsecutiveRestarts: 2}))
	h.startStreaming(UtteranceOptions{Continuous: true})

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(3)
	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitEvent(stopped, 1)

	if n := h.eng.OpenCallCount(); n != 3 {
		t.Errorf("OpenCallCount = %d, want 3", n)
	}
	h.assertLabels(started, errEvent, errEvent, errEvent, stopped)
}

func TestRestartLimit_ResetByResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, WithDefaults(Defaults{MaxConsecutiveRestarts: 1}))
	h.startStreaming(UtteranceOptions{Continuous: true})

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	h.eng.Last().Emit(speech.Final("okay"))
	h.eng.Last().Emit(speech.Failure(speech.CodeSpeechTimeout, nil))
	h.waitOpens(3)

	h.flush()
	if n := h.log.count(stopped); n != 0 {
		t.Errorf("stopped = %d, want 0 after a result reset the limit", n)
	}
}

// ─── Stop ────────────────────────────────────────────────────────────────────

func TestStop_EmitsExactlyOneStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})

	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.c.IsListening() {
		t.Error("IsListening() = true after Stop")
	}
	if got := h.c.State(); got != StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
	if h.eng.Last().CloseCalls() != 1 {
		t.Errorf("handle Close calls = %d, want 1", h.eng.Last().CloseCalls())
	}
	h.assertLabels(started, stopped)
}

func TestStop_WithoutSessionStillEmits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for range 2 {
		if err := h.c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	h.assertLabels(stopped, stopped)
	if got := h.c.State(); got != StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
}

func TestStop_SuppressesLateCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Callbacks from the torn-down handle may still be in flight.
	h.c.inbox <- engineEvent{gen: 1, ev: speech.Failure(speech.CodeNetwork, nil)}
	h.c.inbox <- engineEvent{gen: 1, ev: speech.Final("late")}
	h.c.inbox <- engineEnded{gen: 1}
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	h.assertLabels(started, stopped, stopped)
	if n := h.eng.OpenCallCount(); n != 1 {
		t.Errorf("late callback reopened the engine")
	}
}

func TestStop_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)

	h.c.inbox <- engineEvent{gen: 1, ev: speech.Failure(speech.CodeServer, nil)}
	h.c.inbox <- engineEnded{gen: 1}
	h.flush()
	waitFor(t, "listening", func() bool { return h.c.State() == StateListening })

	h.assertLabels(started, errEvent)
	if !h.c.IsListening() {
		t.Error("stale callback stopped the session")
	}
}

func TestStop_MidRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{})
	if _, err := h.c.Start(context.Background(), UtteranceOptions{Continuous: true, PartialResults: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.eng.Last().Emit(speech.Ready())
	h.waitEvent(started, 1)

	h.eng.Last().Emit(speech.Failure(speech.CodeSpeechTimeout, nil))
	h.waitOpens(2)
	waitFor(t, "restarting", func() bool { return h.c.State() == StateRestarting })

	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.eng.Handles()[1].Emit(speech.Ready())

	h.assertLabels(started, errEvent, stopped)
	if h.c.IsListening() || h.c.State() != StateStopped {
		t.Errorf("IsListening=%v State=%v after Stop mid-restart", h.c.IsListening(), h.c.State())
	}
}

func TestStartContinuousThenStopAlwaysStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for i := range 20 {
		if _, err := h.c.Start(context.Background(), UtteranceOptions{Continuous: true, PartialResults: true}); err != nil {
			t.Fatalf("iteration %d: Start: %v", i, err)
		}
		if i%2 == 0 {
			h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
		}
		if err := h.c.Stop(context.Background()); err != nil {
			t.Fatalf("iteration %d: Stop: %v", i, err)
		}
		if h.c.IsListening() || h.c.State() != StateStopped {
			t.Fatalf("iteration %d: IsListening=%v State=%v", i, h.c.IsListening(), h.c.State())
		}
	}
	h.flush()
	if n := h.log.count(stopped); n != 20 {
		t.Errorf("stopped = %d, want 20", n)
	}
}

// ─── silence timer ───────────────────────────────────────────────────────────

func TestSilenceTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{SilenceTimeoutMs: 1000})

	h.eng.Last().Emit(speech.Final("turn on"))
	waitFor(t, "timer armed", func() bool { return h.clock.Pending() == 1 })

	// A partial restarts the countdown: the first deadline passes unnoticed.
	h.clock.Advance(999 * time.Millisecond)
	h.eng.Last().Emit(speech.Partial("the lights"))
	h.waitEvent(partial, 1)
	if n := h.clock.Pending(); n != 1 {
		t.Fatalf("Pending = %d after partial, want 1", n)
	}
	h.clock.Advance(999 * time.Millisecond)
	h.flush()
	if !h.c.IsListening() || h.log.count(stopped) != 0 {
		t.Fatal("session stopped at the deadline set before the partial")
	}

	h.clock.Advance(time.Millisecond)
	h.waitEvent(stopped, 1)
	if h.c.IsListening() {
		t.Error("IsListening() = true after silence timeout")
	}
	h.assertLabels(started, partial, stopped)

	_ = h.c.Close()
	rec, _ := h.store.Recent(context.Background(), 1)
	if len(rec) != 1 || rec[0].StopReason != reasonSilence {
		t.Errorf("history = %+v, want one record with reason silence", rec)
	}
}

func TestSilenceTimer_SurvivesPartialAndRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true, SilenceTimeoutMs: 1000})

	h.eng.Last().Emit(speech.Final("hello"))
	waitFor(t, "timer armed", func() bool { return h.clock.Pending() == 1 })
	h.eng.Last().Emit(speech.Partial("uh"))
	h.waitEvent(partial, 1)
	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	h.waitEvent(errEvent, 1)

	if n := h.clock.Pending(); n != 1 {
		t.Fatalf("Pending = %d after restart, want 1", n)
	}
	h.clock.Advance(time.Hour)
	h.waitEvent(stopped, 1)
	if h.c.IsListening() {
		t.Error("IsListening() = true after silence timeout")
	}
	h.assertLabels(started, partial, errEvent, stopped)
}

func TestSilenceTimer_RequiresSpeech(t *testing.T) {
	t.Parallel()

	t.Run("continuous keeps listening", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.startStreaming(UtteranceOptions{Continuous: true, SilenceTimeoutMs: 500})

		h.eng.Last().Emit(speech.Final(""))
		h.eng.Last().Emit(speech.Partial("x"))
		h.waitEvent(partial, 1)
		if n := h.clock.Pending(); n != 0 {
			t.Errorf("timer armed without detected speech")
		}
		if !h.c.IsListening() {
			t.Error("continuous session stopped on empty final")
		}
	})

	t.Run("non-continuous stops on empty final", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.startStreaming(UtteranceOptions{SilenceTimeoutMs: 500})

		h.eng.Last().Emit(speech.Final(""))
		h.waitEvent(stopped, 1)
		if n := h.clock.Pending(); n != 0 {
			t.Errorf("timer armed without detected speech")
		}
	})
}

func TestSilenceTimer_StopCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true, SilenceTimeoutMs: 1000})

	h.eng.Last().Emit(speech.Final("hi"))
	waitFor(t, "timer armed", func() bool { return h.clock.Pending() == 1 })

	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("Pending = %d after Stop, want 0", n)
	}
	h.clock.Advance(5 * time.Second)
	h.assertLabels(started, stopped)
}

func TestSilenceTimer_EngineEndWhileArmedReopens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{SilenceTimeoutMs: 1000})

	h.eng.Last().Emit(speech.Final("hi"))
	waitFor(t, "timer armed", func() bool { return h.clock.Pending() == 1 })
	h.eng.Last().End()
	h.waitOpens(2)

	h.clock.Advance(time.Second)
	h.waitEvent(stopped, 1)
	h.assertLabels(started, stopped)
}

// ─── misc ────────────────────────────────────────────────────────────────────

func TestClose_StopsSessionAndRejectsStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})

	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.c.IsListening() {
		t.Error("IsListening() = true after Close")
	}
	h.assertLabels(started, stopped)

	if _, err := h.c.Start(context.Background(), UtteranceOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close error = %v, want ErrClosed", err)
	}
	if err := h.c.Stop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop after Close error = %v, want ErrClosed", err)
	}
}

func TestHistoryRecordsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true, Language: "en-GB"})

	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	h.eng.Last().Emit(speech.Final("cheerio"))
	h.eng.Last().Emit(speech.Partial("x"))
	h.waitEvent(partial, 1)
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = h.c.Close()

	recs, err := h.store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Engine != "mock" || r.Language != "en-GB" || !r.Continuous {
		t.Errorf("record = %+v", r)
	}
	if r.StopReason != reasonStop || r.Restarts != 1 || r.Errors != 1 {
		t.Errorf("reason=%q restarts=%d errors=%d", r.StopReason, r.Restarts, r.Errors)
	}
	if !slices.Equal(r.Matches, []string{"cheerio"}) {
		t.Errorf("Matches = %v", r.Matches)
	}
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.startStreaming(UtteranceOptions{Continuous: true})
	h.eng.Last().Emit(speech.Failure(speech.CodeNoMatch, nil))
	h.waitOpens(2)
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{
		"earshot.sessions.started": 1,
		"earshot.sessions.stopped": 1,
		"earshot.engine.restarts":  1,
		"earshot.engine.errors":    1,
		"earshot.active_sessions":  0,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Engine{Languages: []string{"en-US", "de-DE"}})

	if !h.c.Available(context.Background()) {
		t.Error("Available() = false")
	}
	langs, err := h.c.SupportedLanguages(context.Background())
	if err != nil || !slices.Equal(langs, []string{"en-US", "de-DE"}) {
		t.Errorf("SupportedLanguages = %v, %v", langs, err)
	}
	if got := h.c.State(); got != StateIdle {
		t.Errorf("initial State = %v, want idle", got)
	}

	h.auth.Set(speech.PermissionPrompt)
	st, err := h.c.RequestPermissions(context.Background())
	if err != nil || st != speech.PermissionGranted {
		t.Errorf("RequestPermissions = %q, %v", st, err)
	}
}
