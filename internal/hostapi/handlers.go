package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recognition"
)

const (
	// maxBodyBytes bounds request bodies and WebSocket messages.
	maxBodyBytes = 64 << 10

	defaultSessionLimit = 20
	maxSessionLimit     = 500
)

// errNoHistory is reported by the session routes when no store is configured.
var errNoHistory = errors.New("hostapi: session history is not enabled")

// Response bodies.
type (
	availableResponse struct {
		Available bool `json:"available"`
	}
	listeningResponse struct {
		Listening bool `json:"listening"`
	}
	languagesResponse struct {
		Languages []string `json:"languages"`
	}
	permissionResponse struct {
		SpeechRecognition string `json:"speechRecognition"`
	}
	errorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

// available and the helpers below implement each operation once for both the
// REST handlers and the WebSocket methods.
func (s *Server) available(ctx context.Context) availableResponse {
	return availableResponse{Available: s.rec.Available(ctx)}
}

func (s *Server) start(ctx context.Context, opts recognition.UtteranceOptions) (recognition.Result, error) {
	return s.rec.Start(ctx, opts)
}

func (s *Server) languages(ctx context.Context) (languagesResponse, error) {
	langs, err := s.rec.SupportedLanguages(ctx)
	if err != nil {
		return languagesResponse{}, err
	}
	if langs == nil {
		langs = []string{}
	}
	return languagesResponse{Languages: langs}, nil
}

func (s *Server) checkPermissions(ctx context.Context) (permissionResponse, error) {
	state, err := s.rec.CheckPermissions(ctx)
	return permissionResponse{SpeechRecognition: string(state)}, err
}

func (s *Server) requestPermissions(ctx context.Context) (permissionResponse, error) {
	state, err := s.rec.RequestPermissions(ctx)
	return permissionResponse{SpeechRecognition: string(state)}, err
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.available(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeOptions(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.start(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleListening(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listeningResponse{Listening: s.rec.IsListening()})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	res, err := s.languages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	res, err := s.checkPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	res, err := s.requestPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveAllListeners(w http.ResponseWriter, _ *http.Request) {
	s.gw.RemoveAllListeners()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: errNoHistory.Error(), Code: "NotFound"})
		return
	}
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: fmt.Sprintf("limit must be a positive integer, got %q", v),
				Code:  recognition.KindInvalidOptions,
			})
			return
		}
		limit = min(n, maxSessionLimit)
	}
	recs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []history.Record `json:"sessions"`
	}{recs})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: errNoHistory.Error(), Code: "NotFound"})
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("session %q not found", id), Code: "NotFound"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeOptions reads UtteranceOptions from r. An empty body selects the
// defaults.
func decodeOptions(r io.Reader) (recognition.UtteranceOptions, error) {
	var opts recognition.UtteranceOptions
	data, err := io.ReadAll(r)
	if err != nil {
		return opts, fmt.Errorf("%w: read body: %w", recognition.ErrInvalidOptions, err)
	}
	if len(data) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("%w: %w", recognition.ErrInvalidOptions, err)
	}
	return opts, nil
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch recognition.Kind(err) {
	case recognition.KindAlreadyListening:
		return http.StatusConflict
	case recognition.KindPermissionDenied:
		return http.StatusForbidden
	case recognition.KindEngineUnavailable:
		return http.StatusServiceUnavailable
	case recognition.KindInvalidOptions:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("host api: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: recognition.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("host api: write response", "err", err)
	}
}
