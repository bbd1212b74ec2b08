// Package api exposes the conversation orchestrator to a local UI over
// HTTP/JSON under /api/v1, with a WebSocket stream of state events at
// /api/v1/events.
//
// Every mutating endpoint answers with the resulting snapshot so clients
// that do not hold an event stream can still render.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/farmgpt/krishimitra/internal/advisor"
	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/internal/orchestrator"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// Conversation is the orchestrator surface the API drives.
type Conversation interface {
	Snapshot() orchestrator.Snapshot
	Language() types.Language
	Exchanges() []types.Exchange
	Subscribe(fn func(orchestrator.Event)) (unsubscribe func())

	OpenDialog()
	CloseDialog()
	StartListening(ctx context.Context) error
	StopListening()
	SubmitText(ctx context.Context, text string) error
	SubmitPrompt(ctx context.Context, index int) error
	Clear()
	SetLanguage(tag string)
	TogglePlayback(ctx context.Context) error
}

// WaterAnalyzer produces water-saving advice from a transcript.
type WaterAnalyzer interface {
	AnalyzeWaterUsage(ctx context.Context, exchanges []types.Exchange, lang types.Language) (advisor.WaterAnalysis, error)
}

var _ Conversation = (*orchestrator.Orchestrator)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records the event subscriber gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWaterAnalyzer enables POST /api/v1/water-analysis.
func WithWaterAnalyzer(a WaterAnalyzer) Option {
	return func(s *Server) { s.water = a }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server serves the control API.
type Server struct {
	conv           Conversation
	water          WaterAnalyzer
	metrics        *observe.Metrics
	originPatterns []string
}

// New creates a Server for conv.
func New(conv Conversation, opts ...Option) *Server {
	s := &Server{conv: conv}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("POST /api/v1/dialog/open", s.handleOpen)
	mux.HandleFunc("POST /api/v1/dialog/close", s.handleClose)
	mux.HandleFunc("POST /api/v1/listen", s.handleListen)
	mux.HandleFunc("POST /api/v1/listen/stop", s.handleStopListening)
	mux.HandleFunc("POST /api/v1/messages", s.handleMessage)
	mux.HandleFunc("GET /api/v1/prompts", s.handlePrompts)
	mux.HandleFunc("POST /api/v1/prompts/{index}", s.handlePrompt)
	mux.HandleFunc("GET /api/v1/labels", s.handleLabels)
	mux.HandleFunc("POST /api/v1/clear", s.handleClear)
	mux.HandleFunc("PUT /api/v1/language", s.handleLanguage)
	mux.HandleFunc("POST /api/v1/playback/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/v1/water-analysis", s.handleWater)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// Handler returns the API on its own mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleOpen(w http.ResponseWriter, _ *http.Request) {
	s.conv.OpenDialog()
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleClose(w http.ResponseWriter, _ *http.Request) {
	s.conv.CloseDialog()
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.conv.StartListening(r.Context()))
}

func (s *Server) handleStopListening(w http.ResponseWriter, _ *http.Request) {
	s.conv.StopListening()
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.respond(w, r, s.conv.SubmitText(r.Context(), req.Text))
}

type promptsResponse struct {
	Language types.Language        `json:"language"`
	Prompts  []conversation.Prompt `json:"prompts"`
}

func (s *Server) handlePrompts(w http.ResponseWriter, _ *http.Request) {
	lang := s.conv.Language()
	writeJSON(w, http.StatusOK, promptsResponse{Language: lang, Prompts: conversation.SuggestedPrompts(lang)})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "prompt index must be an integer")
		return
	}
	s.respond(w, r, s.conv.SubmitPrompt(r.Context(), index))
}

func (s *Server) handleLabels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, conversation.Labels(s.conv.Language()))
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.conv.Clear()
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type languageRequest struct {
	Language string `json:"language"`
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}
	s.conv.SetLanguage(req.Language)
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.conv.TogglePlayback(r.Context()))
}

func (s *Server) handleWater(w http.ResponseWriter, r *http.Request) {
	if s.water == nil {
		writeError(w, http.StatusNotImplemented, "water analysis is not configured")
		return
	}
	analysis, err := s.water.AnalyzeWaterUsage(r.Context(), s.conv.Exchanges(), s.conv.Language())
	if err != nil {
		// The analysis still carries a user-facing error summary.
		observe.Logger(r.Context()).Warn("water analysis failed", "err", err)
		writeJSON(w, http.StatusBadGateway, analysis)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// respond writes the snapshot on success or maps err to a status code.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, s.conv.Snapshot())
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("request rejected", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

// statusFor maps orchestrator errors to HTTP status codes. Overlap guards are
// conflicts with the current state; bad input is the client's fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrSpeaking),
		errors.Is(err, orchestrator.ErrAlreadyListening):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyInput),
		errors.Is(err, orchestrator.ErrPromptIndex):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrMicUnavailable),
		errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
