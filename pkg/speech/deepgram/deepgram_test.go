package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/speech"
)

// ---- helpers ----

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake Deepgram endpoint. The handler receives the
// accepted conn and the upgrade request.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func results(final bool, transcripts ...string) []byte {
	alts := make([]map[string]any, 0, len(transcripts))
	for _, tr := range transcripts {
		alts = append(alts, map[string]any{"transcript": tr, "confidence": 0.9})
	}
	data, _ := json.Marshal(map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel":  map[string]any{"alternatives": alts},
	})
	return data
}

func write(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

// readBinary waits for one audio frame from the client.
func readBinary(conn *websocket.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, _, err := conn.Read(ctx)
		if err != nil {
			return false
		}
		if typ == websocket.MessageBinary {
			return true
		}
	}
}

func next(t *testing.T, h speech.Handle) speech.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return speech.Event{}
}

func expectClosed(t *testing.T, h speech.Handle) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if ok {
			t.Fatalf("unexpected event %v (code %v)", ev.Kind, ev.Code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event stream not closed")
	}
}

// feed pushes silent frames until stop is closed.
func feed(src *audiomock.Source, stop <-chan struct{}) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if c := src.Last(); c == nil || !c.Push(make([]byte, 320)) {
				return
			}
		}
	}
}

// ---- construction / URL ----

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", &audiomock.Source{}); err == nil {
		t.Error("empty apiKey: expected error")
	}
	if _, err := New("key", nil); err == nil {
		t.Error("nil source: expected error")
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	e, err := New("key", &audiomock.Source{}, WithModel("base"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts speech.Options
		want map[string]string
	}{
		{
			name: "defaults",
			opts: speech.Options{},
			want: map[string]string{
				"model": "base", "language": "en", "interim_results": "false",
				"alternatives": "5", "encoding": "linear16", "sample_rate": "16000", "channels": "1",
			},
		},
		{
			name: "caller options",
			opts: speech.Options{Language: "de-DE", MaxResults: 50, PartialResults: true},
			want: map[string]string{"language": "de-DE", "interim_results": "true", "alternatives": "10"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := e.buildURL(tc.opts)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(raw)
			if u.Host != "api.deepgram.com" {
				t.Errorf("host = %q", u.Host)
			}
			q := u.Query()
			for k, v := range tc.want {
				if got := q.Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		data      string
		wantOK    bool
		wantFinal bool
		wantLen   int
	}{
		{"final", string(results(true, "hello", "hallo")), true, true, 2},
		{"partial", string(results(false, "hel")), true, false, 1},
		{"empty transcript", string(results(true, "")), true, true, 0},
		{"metadata", `{"type":"Metadata","request_id":"x"}`, false, false, 0},
		{"invalid json", `{not json`, false, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			matches, final, ok := parseDeepgramResponse([]byte(tc.data))
			if ok != tc.wantOK || final != tc.wantFinal || len(matches) != tc.wantLen {
				t.Errorf("got (%q, %v, %v), want (%d matches, %v, %v)", matches, final, ok, tc.wantLen, tc.wantFinal, tc.wantOK)
			}
		})
	}
}

func TestEngine_Queries(t *testing.T) {
	t.Parallel()
	e, _ := New("key", &audiomock.Source{})
	if !e.Available(t.Context()) {
		t.Error("Available = false")
	}
	langs, _ := e.SupportedLanguages(t.Context())
	if !speech.LanguageSupported(langs, "en-US") {
		t.Error("en-US not supported")
	}
	if e.MaxResults() != maxAlternatives {
		t.Errorf("MaxResults = %d", e.MaxResults())
	}
}

// ---- streaming ----

func TestStream_PartialAndFinal(t *testing.T) {
	t.Parallel()
	auth := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		if !readBinary(conn) {
			return
		}
		write(t, conn, results(false, ""))
		write(t, conn, results(false, "hello"))
		write(t, conn, results(true, "hello world", "yellow world"))
		<-conn.CloseRead(context.Background()).Done()
	})

	src := &audiomock.Source{}
	e, _ := New("secret", src, WithEndpoint(wsURL(srv)), WithNoInputTimeout(0))
	h, err := e.Open(t.Context(), speech.Options{PartialResults: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := <-auth; got != "Token secret" {
		t.Errorf("Authorization = %q", got)
	}
	if ev := next(t, h); ev.Kind != speech.EventReady {
		t.Fatalf("first event = %v, want ready", ev.Kind)
	}
	src.Last().Push(make([]byte, 320))

	if ev := next(t, h); ev.Kind != speech.EventPartial || ev.Matches[0] != "hello" {
		t.Fatalf("event = %+v, want partial hello", ev)
	}
	ev := next(t, h)
	if ev.Kind != speech.EventFinal || len(ev.Matches) != 2 || ev.Matches[1] != "yellow world" {
		t.Fatalf("event = %+v, want final with two alternatives", ev)
	}
}

func TestStream_ServerErrorClose(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "upstream failure")
	}))
	t.Cleanup(srv.Close)

	src := &audiomock.Source{}
	e, _ := New("key", src, WithEndpoint(wsURL(srv)), WithNoInputTimeout(0))
	h, err := e.Open(t.Context(), speech.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	next(t, h)
	ev := next(t, h)
	if ev.Kind != speech.EventError || ev.Code != speech.CodeServerDisconnected {
		t.Fatalf("event = %v code %v, want server-disconnected", ev.Kind, ev.Code)
	}
	expectClosed(t, h)
	if !src.Last().Closed() {
		t.Error("capture not released")
	}
}

func TestStream_NormalServerCloseEndsQuietly(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {})

	e, _ := New("key", &audiomock.Source{}, WithEndpoint(wsURL(srv)), WithNoInputTimeout(0))
	h, err := e.Open(t.Context(), speech.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	next(t, h)
	expectClosed(t, h)
}

func TestStream_NoInputTimeout(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	src := &audiomock.Source{}
	e, _ := New("key", src, WithEndpoint(wsURL(srv)), WithNoInputTimeout(50*time.Millisecond))
	h, err := e.Open(t.Context(), speech.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	stop := make(chan struct{})
	defer close(stop)
	go feed(src, stop)

	next(t, h)
	ev := next(t, h)
	if ev.Kind != speech.EventError || ev.Code != speech.CodeSpeechTimeout {
		t.Fatalf("event = %v code %v, want speech-timeout", ev.Kind, ev.Code)
	}
	expectClosed(t, h)
}

func TestStream_SourceEnds(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	src := &audiomock.Source{}
	e, _ := New("key", src, WithEndpoint(wsURL(srv)), WithNoInputTimeout(0))
	h, err := e.Open(t.Context(), speech.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	next(t, h)
	src.Last().End()
	if ev := next(t, h); ev.Kind != speech.EventError || ev.Code != speech.CodeAudio {
		t.Fatalf("event = %v code %v, want audio error", ev.Kind, ev.Code)
	}
	expectClosed(t, h)
}

func TestClose_SendsCloseStreamAndIsIdempotent(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				got <- string(data)
				return
			}
		}
	})

	src := &audiomock.Source{}
	e, _ := New("key", src, WithEndpoint(wsURL(srv)), WithNoInputTimeout(0))
	h, err := e.Open(t.Context(), speech.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case msg := <-got:
		if !strings.Contains(msg, "CloseStream") {
			t.Errorf("close message = %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received CloseStream")
	}
	if !src.Last().Closed() {
		t.Error("capture not released")
	}
	// Buffered ready is still readable, then the stream is closed.
	for range h.Events() {
	}
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsURL(srv)
	srv.Close()

	src := &audiomock.Source{}
	e, _ := New("key", src, WithEndpoint(endpoint))
	if _, err := e.Open(t.Context(), speech.Options{}); err == nil {
		t.Fatal("expected dial error")
	}
	if src.CallCountOpen != 0 {
		t.Error("audio source opened despite dial failure")
	}
}
