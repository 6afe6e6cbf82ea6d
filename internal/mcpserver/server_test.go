package mcpserver

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/pkg/speech"
)

type stubRecognizer struct {
	mu        sync.Mutex
	listening bool
	startOpts []recognition.UtteranceOptions
	startErr  error
}

func (r *stubRecognizer) Available(context.Context) bool { return true }

func (r *stubRecognizer) Start(_ context.Context, opts recognition.UtteranceOptions) (recognition.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startOpts = append(r.startOpts, opts)
	if r.startErr != nil {
		return recognition.Result{}, r.startErr
	}
	r.listening = true
	if opts.PartialResults {
		return recognition.Result{}, nil
	}
	return recognition.Result{Matches: []string{"turn on the lights", "turn on the light"}}, nil
}

func (r *stubRecognizer) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = false
	return nil
}

func (r *stubRecognizer) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *stubRecognizer) SupportedLanguages(context.Context) ([]string, error) {
	return []string{"en-US", "fr-FR"}, nil
}

func (r *stubRecognizer) RequestPermissions(context.Context) (speech.PermissionState, error) {
	return speech.PermissionGranted, nil
}

func connect(t *testing.T, rec Recognizer) *mcpsdk.ClientSession {
	t.Helper()
	ctx := t.Context()
	ct, st := mcpsdk.NewInMemoryTransports()
	if _, err := New(rec, "test").Connect(ctx, st, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes name and decodes the structured output into out.
func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any, out any) *mcpsdk.CallToolResult {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(t.Context(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatalf("marshal structured content: %v", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s output %s: %v", name, data, err)
		}
	}
	return res
}

func TestTools_Listed(t *testing.T) {
	t.Parallel()
	cs := connect(t, &stubRecognizer{})

	var names []string
	for tool, err := range cs.Tools(t.Context(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{ToolAvailable, ToolIsListening, ToolLanguages, ToolPermissions, ToolStart, ToolStop}
	slices.Sort(want)
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestTools_StartStop(t *testing.T) {
	t.Parallel()
	rec := &stubRecognizer{}
	cs := connect(t, rec)

	var start startOutput
	call(t, cs, ToolStart, map[string]any{"language": "en-GB", "maxResults": 2}, &start)
	if !slices.Equal(start.Matches, []string{"turn on the lights", "turn on the light"}) {
		t.Errorf("matches = %v", start.Matches)
	}
	rec.mu.Lock()
	opts := rec.startOpts[0]
	rec.mu.Unlock()
	if opts.Language != "en-GB" || opts.MaxResults != 2 {
		t.Errorf("start options = %+v", opts)
	}

	var listening listeningOutput
	call(t, cs, ToolIsListening, nil, &listening)
	if !listening.Listening {
		t.Error("speech_is_listening = false after start")
	}

	var stop stopOutput
	call(t, cs, ToolStop, nil, &stop)
	if !stop.Stopped || rec.IsListening() {
		t.Errorf("stop = %+v, listening = %v", stop, rec.IsListening())
	}
}

func TestTools_Queries(t *testing.T) {
	t.Parallel()
	cs := connect(t, &stubRecognizer{})

	var avail availableOutput
	call(t, cs, ToolAvailable, nil, &avail)
	if !avail.Available {
		t.Error("available = false")
	}

	var langs languagesOutput
	call(t, cs, ToolLanguages, nil, &langs)
	if !slices.Equal(langs.Languages, []string{"en-US", "fr-FR"}) {
		t.Errorf("languages = %v", langs.Languages)
	}

	var perm permissionsOutput
	call(t, cs, ToolPermissions, nil, &perm)
	if perm.SpeechRecognition != "granted" {
		t.Errorf("permission = %q, want granted", perm.SpeechRecognition)
	}
}

func TestTools_StartErrorIsToolError(t *testing.T) {
	t.Parallel()
	cs := connect(t, &stubRecognizer{startErr: recognition.ErrAlreadyListening})

	res := call(t, cs, ToolStart, nil, nil)
	if !res.IsError {
		t.Fatal("IsError = false, want true")
	}
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	if !strings.HasPrefix(text, recognition.KindAlreadyListening) {
		t.Errorf("error text = %q, want %s prefix", text, recognition.KindAlreadyListening)
	}
}
