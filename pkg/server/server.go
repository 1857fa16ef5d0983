// Package server exposes the session controller over HTTP: a streaming
// query endpoint, permission resolution, session reset and sanitization,
// and health/metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeworks/pilot/pkg/agent"
	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/llms"
	"github.com/forgeworks/pilot/pkg/memory"
	"github.com/forgeworks/pilot/pkg/permission"
	"github.com/forgeworks/pilot/pkg/protocol"
	"github.com/forgeworks/pilot/pkg/telemetry"
	"github.com/forgeworks/pilot/pkg/tools"
	"github.com/forgeworks/pilot/pkg/utils"
)

type Server struct {
	cfg *config.Config

	agent      *agent.Agent
	broker     *permission.Broker
	counter    *utils.TokenCounter
	summarizer memory.Summarizer

	mu       sync.RWMutex
	sessions map[string]*agent.Session

	httpServer *http.Server
}

func New(cfg *config.Config) (*Server, error) {
	sink := telemetry.NewSink(&cfg.Telemetry)

	llmClient, err := llms.NewClient(&cfg.LLM, llms.WithUsageRecorder(sink))
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM client: %w", err)
	}

	summarizerClient, err := llms.NewClient(&cfg.LLM,
		llms.WithModel(cfg.LLM.SummarizerModel),
		llms.WithSharedHTTPClient(llmClient.SharedHTTPClient()),
		llms.WithUsageRecorder(sink),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build summarizer client: %w", err)
	}

	broker := permission.NewBroker(cfg.Agent.PermissionTimeout)
	dispatcher := tools.NewDispatcher(&cfg.Tools)

	s := &Server{
		cfg:        cfg,
		agent:      agent.New(llmClient, dispatcher, broker, &cfg.Agent),
		broker:     broker,
		counter:    utils.NewTokenCounter(),
		summarizer: memory.NewSummaryService(summarizerClient),
		sessions:   make(map[string]*agent.Session),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware)

	router.Post("/stream", s.handleStream)
	router.Post("/permission", s.handlePermission)
	router.Post("/reset", s.handleReset)
	router.Post("/sanitize", s.handleSanitize)
	router.Get("/health", s.handleHealth)
	router.Post("/health", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	slog.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type streamRequest struct {
	Query               string                   `json:"query"`
	WorkspacePath       string                   `json:"workspace_path"`
	HashedWorkspacePath string                   `json:"hashed_workspace_path"`
	GitBranch           string                   `json:"git_branch"`
	SystemInfo          *agent.SystemInfo        `json:"system_info,omitempty"`
	ActiveFileContext   *agent.ActiveFileContext `json:"active_file_context,omitempty"`
	ContextMentions     []agent.ContextMention   `json:"context_mentions,omitempty"`
}

type permissionRequest struct {
	PermissionID string `json:"permission_id"`
	Granted      bool   `json:"granted"`
}

type resetRequest struct {
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Rewrites int    `json:"rewrites,omitempty"`
}

func (s *Server) newConversation() *memory.Conversation {
	return memory.NewConversation(s.counter, s.summarizer,
		s.cfg.Agent.ContextTokenLimit, s.cfg.Agent.SummaryTailSize)
}

// sessionFor returns the session for a workspace, creating it on first use.
func (s *Server) sessionFor(req *streamRequest) *agent.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[req.WorkspacePath]
	if !ok {
		sess = agent.NewSession(tools.SessionContext{
			WorkspacePath: req.WorkspacePath,
			WorkspaceHash: req.HashedWorkspacePath,
			GitBranch:     req.GitBranch,
		}, s.newConversation())
		s.sessions[req.WorkspacePath] = sess
	}
	return sess
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "invalid JSON body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "query is required"})
		return
	}
	if req.WorkspacePath == "" {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "workspace_path is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "streaming unsupported"})
		return
	}

	sess := s.sessionFor(&req)
	if !sess.TryAcquireStream() {
		writeJSON(w, http.StatusConflict, statusResponse{Status: "error", Message: "a stream is already in progress for this workspace"})
		return
	}
	defer sess.ReleaseStream()

	// The stream slot is held, so no loop goroutine reads the context
	// concurrently.
	sess.Context.WorkspaceHash = req.HashedWorkspacePath
	sess.Context.GitBranch = req.GitBranch

	prompt := agent.BuildSystemPrompt(req.WorkspacePath, req.SystemInfo, req.ActiveFileContext, req.ContextMentions)
	sess.Memory.Initialize(prompt)
	sess.Memory.AddUserMessage(req.Query)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := make(chan protocol.StreamEvent, 64)
	go s.agent.Run(r.Context(), sess, out)

	for event := range out {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			slog.Debug("client disconnected mid-stream", "error", err)
			break
		}
	}
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "invalid JSON body"})
		return
	}
	if req.PermissionID == "" {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "permission_id is required"})
		return
	}

	if err := s.broker.Resolve(req.PermissionID, req.Granted); err != nil {
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Message: "permission id not found or already resolved"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "permission resolved"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for key, sess := range s.sessions {
		if req.WorkspacePath != "" && key != req.WorkspacePath {
			continue
		}
		s.sessions[key] = agent.NewSession(sess.Context, s.newConversation())
		reset++
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Message: fmt.Sprintf("reset %d session(s)", reset),
	})
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rewrites := 0
	for _, sess := range s.sessions {
		rewrites += sess.Memory.Sanitize()
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:   "ok",
		Message:  fmt.Sprintf("rewrote %d duplicate tool id(s)", rewrites),
		Rewrites: rewrites,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	streaming := false
	for _, sess := range s.sessions {
		if sess.IsStreaming() {
			streaming = true
			break
		}
	}
	initialized := len(s.sessions) > 0
	count := len(s.sessions)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"streaming":           streaming,
		"session_initialized": initialized,
		"ready_for_requests":  true,
		"sessions":            count,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
