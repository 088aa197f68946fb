package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szaher/recall/internal/auth"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/retriever"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/vector"
)

// Server exposes the memory service over HTTP.
type Server struct {
	svc       *Service
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	startTime time.Time
	version   string

	apiKey      string
	noAuth      bool
	rateLimiter *auth.RateLimiter
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key requests must present.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication entirely.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithRateLimiter applies per-client request limiting and auth failure
// blocking.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithServerLogger sets the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// skipAuthPaths are served without credentials: liveness probes and the
// Prometheus scraper do not carry API keys.
var skipAuthPaths = []string{"/healthz", "/metrics"}

// NewServer creates the HTTP server over an assembled service.
func NewServer(svc *Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:       svc,
		logger:    slog.Default(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(svc.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PATCH /v1/conversations/{id}", s.handleUpdateConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleAddMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/stats", s.handleConversationStats)
	mux.HandleFunc("POST /v1/messages", s.handleAddDefaultMessage)

	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /v1/index/sync", s.handleIndexSync)
	mux.HandleFunc("GET /v1/index/stats", s.handleIndexStats)

	mux.HandleFunc("PUT /v1/history/{key}", s.handlePutHistory)
	mux.HandleFunc("GET /v1/history/{key}", s.handleGetHistory)
	mux.HandleFunc("GET /v1/history", s.handleListHistory)
	mux.HandleFunc("DELETE /v1/history", s.handleClearHistory)
	mux.HandleFunc("PUT /v1/history/{key}/steps/{step}", s.handlePutStep)
	mux.HandleFunc("GET /v1/history/{key}/steps/{step}", s.handleGetStep)

	mux.HandleFunc("POST /v1/timeline", s.handleAddTimeline)
	mux.HandleFunc("GET /v1/timeline", s.handleGetTimeline)
	mux.HandleFunc("GET /v1/timeline/stream", s.handleTimelineStream)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler with middleware applied, for use
// with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey, s.noAuth, skipAuthPaths, s.rateLimiter)(h)
	if s.rateLimiter != nil {
		keyFunc := func(r *http.Request) string {
			for _, p := range skipAuthPaths {
				if r.URL.Path == p {
					return ""
				}
			}
			return auth.ClientIPKeyFunc(r)
		}
		h = s.rateLimiter.Middleware(keyFunc)(h)
	}
	return s.logMiddleware(h)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", telemetry.CorrelationID(ctx),
		)
	})
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).String(),
		"store":   s.svc.Config().Store.Backend,
		"version": s.version,
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		ID         string         `json:"id,omitempty"`
		ResourceID string         `json:"resource_id,omitempty"`
		Title      string         `json:"title,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	conv, err := store.CreateConversation(r.Context(), memory.Conversation{
		ID:         req.ID,
		ResourceID: req.ResourceID,
		Title:      req.Title,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	telemetry.RequestLogger(s.logger, r.Context(), "conversations").Info("conversation created",
		"conversation_id", conv.ID, "resource_id", conv.ResourceID)
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var convs []*memory.Conversation
	if resourceID := r.URL.Query().Get("resource_id"); resourceID != "" {
		convs, err = store.GetConversations(r.Context(), resourceID)
	} else {
		convs, err = store.ListConversations(r.Context())
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	if convs == nil {
		convs = []*memory.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	conv, err := store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var update memory.ConversationUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	conv, err := store.UpdateConversation(r.Context(), r.PathValue("id"), update)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if err := store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMessageRequest struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	Role           memory.Role `json:"role"`
	Content        string      `json:"content"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	s.addMessage(w, r, r.PathValue("id"))
}

// handleAddDefaultMessage appends to the conversation named in the body,
// falling back to the default thread when none is given.
func (s *Server) handleAddDefaultMessage(w http.ResponseWriter, r *http.Request) {
	s.addMessage(w, r, "")
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	if conversationID == "" {
		conversationID = req.ConversationID
	}

	id, err := store.AddMessage(r.Context(), conversationID, req.Role, req.Content)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	filter := memory.MessageFilter{
		ConversationID: r.PathValue("id"),
		Role:           memory.Role(r.URL.Query().Get("role")),
	}
	q := r.URL.Query()
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}
	for param, dst := range map[string]*time.Time{"before": &filter.Before, "after": &filter.After} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid %s timestamp %q", param, raw))
				return
			}
			*dst = t
		}
	}

	msgs, err := store.GetMessages(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*memory.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	stats, err := store.ConversationStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	index, err := s.svc.Index(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	matches := index.Search(r.Context(), req.Query, req.TopK)
	if matches == nil {
		matches = []vector.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	retr, err := s.svc.Retriever(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		Query          string `json:"query"`
		ConversationID string `json:"conversation_id,omitempty"`
		Domain         string `json:"domain,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	var text string
	switch req.Domain {
	case "":
		text = retr.RetrieveText(r.Context(), req.Query, req.ConversationID)
	case "supervisor":
		super, err := s.svc.Supervisor(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		text = super.RetrieveText(r.Context(), req.Query, req.ConversationID)
	default:
		domain, ok := retriever.DomainByName(req.Domain)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown domain %q", req.Domain))
			return
		}
		text = retriever.NewTool(domain, retr).Invoke(r.Context(), req.Query, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": text})
}

func (s *Server) handleIndexSync(w http.ResponseWriter, r *http.Request) {
	// No body means sync everything.
	var req struct {
		ResourceID string `json:"resource_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	indexed, err := s.svc.SyncVectorIndex(r.Context(), req.ResourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": indexed})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	index, err := s.svc.Index(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"size": index.Len()})
}

func (s *Server) handlePutHistory(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		AgentID string                 `json:"agent_id,omitempty"`
		Value   memory.ExecutionRecord `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := store.AddHistoryEntry(r.Context(), r.PathValue("key"), req.Value, req.AgentID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	entry, err := store.GetHistoryEntry(r.Context(), r.PathValue("key"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	entries, err := store.ListHistoryEntries(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []*memory.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id query parameter is required")
		return
	}
	if err := store.ClearHistory(r.Context(), agentID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutStep(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		AgentID string            `json:"agent_id,omitempty"`
		Value   memory.StepRecord `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := store.AddHistoryStep(r.Context(), r.PathValue("step"), req.Value, r.PathValue("key"), req.AgentID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	step, err := store.GetHistoryStep(r.Context(), r.PathValue("step"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleAddTimeline(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var req struct {
		Key       string       `json:"key"`
		HistoryID string       `json:"history_id,omitempty"`
		AgentID   string       `json:"agent_id,omitempty"`
		Event     memory.Event `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := store.AddTimelineEvent(r.Context(), req.Key, req.Event, req.HistoryID, req.AgentID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	events, err := store.GetTimelineEvents(r.Context(), r.URL.Query().Get("history_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if events == nil {
		events = []*memory.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleTimelineStream feeds timeline writes to the client as SSE
// events until the client disconnects. The optional history_id query
// parameter narrows the feed to one execution.
func (s *Server) handleTimelineStream(w http.ResponseWriter, r *http.Request) {
	broadcaster, err := s.svc.Broadcaster(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	historyID := r.URL.Query().Get("history_id")
	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	_ = sse.WriteEvent("ready", map[string]string{"status": "streaming"})
	for {
		select {
		case <-r.Context().Done():
			return
		case m := <-ch:
			if historyID != "" && m.HistoryID != historyID {
				continue
			}
			if err := sse.WriteEvent("timeline", m); err != nil {
				return
			}
		}
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, memory.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.Is(err, memory.ErrNoActiveConversation):
		writeError(w, http.StatusConflict, "no_active_conversation", err.Error())
	case errors.Is(err, memory.ErrInvalidEventType):
		writeError(w, http.StatusBadRequest, "invalid_event_type", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
