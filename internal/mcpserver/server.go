// Package mcpserver exposes the listening-session controller as Model Context
// Protocol tools, so an agent can start and stop speech capture.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/pkg/speech"
)

// Tool names.
const (
	ToolAvailable   = "speech_available"
	ToolStart       = "speech_start"
	ToolStop        = "speech_stop"
	ToolIsListening = "speech_is_listening"
	ToolLanguages   = "speech_languages"
	ToolPermissions = "speech_permissions"
)

// Recognizer is the controller surface the tools call.
type Recognizer interface {
	Available(ctx context.Context) bool
	Start(ctx context.Context, opts recognition.UtteranceOptions) (recognition.Result, error)
	Stop(ctx context.Context) error
	IsListening() bool
	SupportedLanguages(ctx context.Context) ([]string, error)
	RequestPermissions(ctx context.Context) (speech.PermissionState, error)
}

type (
	noInput struct{}

	startInput struct {
		Language         string `json:"language,omitempty" jsonschema:"BCP-47 language tag, e.g. en-US; empty selects the configured default"`
		MaxResults       int    `json:"maxResults,omitempty" jsonschema:"number of alternative transcriptions to return"`
		PartialResults   bool   `json:"partialResults,omitempty" jsonschema:"return immediately and stream interim results to event subscribers"`
		Continuous       bool   `json:"continuous,omitempty" jsonschema:"keep listening across results and transient errors until stopped"`
		SilenceTimeoutMs int    `json:"silenceTimeoutMs,omitempty" jsonschema:"stop this many milliseconds after the last result"`
	}

	availableOutput struct {
		Available bool `json:"available"`
	}
	startOutput struct {
		Matches []string `json:"matches"`
	}
	stopOutput struct {
		Stopped bool `json:"stopped"`
	}
	listeningOutput struct {
		Listening bool `json:"listening"`
	}
	languagesOutput struct {
		Languages []string `json:"languages"`
	}
	permissionsOutput struct {
		SpeechRecognition string `json:"speechRecognition"`
	}
)

// New builds an MCP server with one tool per controller operation.
func New(rec Recognizer, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "earshot", Version: version}, nil)

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolAvailable,
		Description: "Report whether speech recognition can be used right now.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noInput) (*mcpsdk.CallToolResult, availableOutput, error) {
		return nil, availableOutput{Available: rec.Available(ctx)}, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name: ToolStart,
		Description: "Start listening. Without partialResults the call waits for the first " +
			"final transcription and returns its alternatives, best first.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in startInput) (*mcpsdk.CallToolResult, startOutput, error) {
		res, err := rec.Start(ctx, recognition.UtteranceOptions{
			Language:         in.Language,
			MaxResults:       in.MaxResults,
			PartialResults:   in.PartialResults,
			Continuous:       in.Continuous,
			SilenceTimeoutMs: in.SilenceTimeoutMs,
		})
		if err != nil {
			return nil, startOutput{}, toolError(err)
		}
		matches := res.Matches
		if matches == nil {
			matches = []string{}
		}
		return nil, startOutput{Matches: matches}, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolStop,
		Description: "Stop the current listening session.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noInput) (*mcpsdk.CallToolResult, stopOutput, error) {
		if err := rec.Stop(ctx); err != nil {
			return nil, stopOutput{}, toolError(err)
		}
		return nil, stopOutput{Stopped: true}, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolIsListening,
		Description: "Report whether a listening session is active.",
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest, _ noInput) (*mcpsdk.CallToolResult, listeningOutput, error) {
		return nil, listeningOutput{Listening: rec.IsListening()}, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolLanguages,
		Description: "List the language tags the recognition engine accepts.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noInput) (*mcpsdk.CallToolResult, languagesOutput, error) {
		langs, err := rec.SupportedLanguages(ctx)
		if err != nil {
			return nil, languagesOutput{}, toolError(err)
		}
		if langs == nil {
			langs = []string{}
		}
		return nil, languagesOutput{Languages: langs}, nil
	})

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        ToolPermissions,
		Description: "Request microphone and speech recognition permission and report the result.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noInput) (*mcpsdk.CallToolResult, permissionsOutput, error) {
		state, err := rec.RequestPermissions(ctx)
		if err != nil {
			return nil, permissionsOutput{}, toolError(err)
		}
		return nil, permissionsOutput{SpeechRecognition: string(state)}, nil
	})

	return s
}

// Run serves the tools over stdio until ctx is cancelled or the client
// disconnects.
func Run(ctx context.Context, rec Recognizer, version string) error {
	slog.Info("mcp server listening on stdio")
	if err := New(rec, version).Run(ctx, &mcpsdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

// toolError prefixes err with its kind so agents can branch on it.
func toolError(err error) error {
	return fmt.Errorf("%s: %w", recognition.Kind(err), err)
}
