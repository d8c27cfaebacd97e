// Package httpapi exposes the conversation agent over HTTP.
//
// Endpoints:
//
//   - POST   /v1/turn                        — process a conversation turn
//   - GET    /v1/pending/{token}             — collect a deferred turn result
//   - GET    /v1/conversations/{id}/stats    — context window statistics
//   - POST   /v1/conversations/{id}/reset    — drop history, keep system prompt
//   - DELETE /v1/conversations/{id}          — remove the conversation entirely
//   - GET    /v1/notifications               — websocket push for deferred results
//   - GET    /metrics                        — Prometheus scrape endpoint
//   - GET    /healthz, /readyz               — liveness and readiness probes
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/health"
	"github.com/openhearth/hearth/internal/observe"
	"github.com/openhearth/hearth/internal/window"
)

// maxTurnBody caps the request body size for turn requests.
const maxTurnBody = 64 * 1024

// Conversationalist is the part of the agent the API needs. *agent.Agent
// satisfies it.
type Conversationalist interface {
	ProcessTurn(ctx context.Context, req agent.TurnRequest) (agent.TurnResult, error)
	CollectPending(ctx context.Context, token string) (agent.PendingResult, bool)
	Reset(convID string)
	Stats(convID string) (window.Stats, error)
	Remove(ctx context.Context, convID string)
}

// Server routes HTTP requests to the agent. Construct with [New], then mount
// via [Server.Routes].
type Server struct {
	agent   Conversationalist
	notify  http.Handler
	health  *health.Handler
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Config holds the dependencies for a [Server].
type Config struct {
	// Agent handles conversation turns. Required.
	Agent Conversationalist

	// Notifications serves the websocket push endpoint. Optional; when nil
	// the /v1/notifications route is omitted.
	Notifications http.Handler

	// Health serves liveness and readiness probes. Optional.
	Health *health.Handler

	// Metrics instruments request handling. Defaults to the global meter.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a Server. Config.Agent is required.
func New(cfg Config) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("httpapi: agent is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		agent:   cfg.Agent,
		notify:  cfg.Notifications,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "httpapi"),
	}, nil
}

// Routes returns the fully wired handler, with request metrics applied to the
// API routes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/pending/{token}", s.handlePending)
	mux.HandleFunc("GET /v1/conversations/{id}/stats", s.handleStats)
	mux.HandleFunc("POST /v1/conversations/{id}/reset", s.handleReset)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleRemove)

	if s.notify != nil {
		mux.Handle("GET /v1/notifications", s.notify)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// turnRequest is the POST /v1/turn request body.
type turnRequest struct {
	Conversation string `json:"conversation"`
	Input        string `json:"input"`
}

// turnResponse is the POST /v1/turn response body.
type turnResponse struct {
	Content    string     `json:"content"`
	Pending    bool       `json:"pending,omitempty"`
	Token      string     `json:"token,omitempty"`
	ToolCalls  int        `json:"tool_calls"`
	Iterations int        `json:"iterations"`
	Usage      usageBlock `json:"usage"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Conversation == "" {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}

	res, err := s.agent.ProcessTurn(r.Context(), agent.TurnRequest{
		Conversation: req.Conversation,
		Input:        req.Input,
	})
	if err != nil {
		if errors.Is(err, agent.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// A turn that ran out of iterations still carries the model's last
		// partial text; serve that as a degraded answer.
		if !errors.Is(err, agent.ErrMaxIterations) || res.Content == "" {
			s.logger.ErrorContext(r.Context(), "turn failed", "conversation", req.Conversation, "err", err)
			writeError(w, http.StatusBadGateway, "turn failed: "+err.Error())
			return
		}
		s.logger.WarnContext(r.Context(), "turn degraded", "conversation", req.Conversation, "err", err)
	}

	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, turnResponse{
		Content:    res.Content,
		Pending:    res.Pending,
		Token:      res.Token,
		ToolCalls:  res.ToolCalls,
		Iterations: res.Iterations,
		Usage: usageBlock{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	})
}

// pendingResponse is the GET /v1/pending/{token} response body.
type pendingResponse struct {
	Conversation string `json:"conversation"`
	Done         bool   `json:"done"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	res, ok := s.agent.CollectPending(r.Context(), token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired token")
		return
	}

	resp := pendingResponse{
		Conversation: res.Conversation,
		Done:         res.Done,
		Content:      res.Content,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	status := http.StatusOK
	if !res.Done {
		// Still running; the token stays valid for a later collect.
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	stats, err := s.agent.Stats(id)
	if err != nil {
		if errors.Is(err, window.ErrUnknownConversation) {
			writeError(w, http.StatusNotFound, "unknown conversation")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// window.Stats carries its own JSON tags.
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.agent.Reset(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.agent.Remove(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// errorBody is the JSON shape of all error responses.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
