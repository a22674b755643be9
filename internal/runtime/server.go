package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/engine"
	"github.com/millrace-ai/millrace/internal/eventlog"
	"github.com/millrace-ai/millrace/internal/telemetry"
)

// keepaliveInterval is how often an idle SSE connection gets a comment frame.
const keepaliveInterval = 15 * time.Second

// Server is the millrace HTTP API.
type Server struct {
	engine    *engine.Engine
	store     conversation.Store
	log       eventlog.Log
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
	apiKey    string

	// active tracks the in-flight stream per session so it can be aborted.
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP API around an engine, its store and its log.
func NewServer(eng *engine.Engine, store conversation.Store, log eventlog.Log, metrics *telemetry.Metrics, opts ...ServerOption) *Server {
	s := &Server{
		engine:    eng,
		store:     store,
		log:       log,
		metrics:   metrics,
		logger:    slog.Default(),
		startTime: time.Now(),
		active:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.authMiddleware(s.mux),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and aborts in-flight streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health check doesn't require auth
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}

		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title,omitempty"`
		Model string `json:"model,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.engine.CreateSession(r.Context(), req.Title, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type stepDetail struct {
	conversation.Step
	Parts []conversation.Part `json:"parts"`
}

type messageDetail struct {
	conversation.Message
	Usage conversation.Usage `json:"usage"`
	Steps []stepDetail       `json:"steps"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	details := make([]messageDetail, 0, len(messages))
	for _, msg := range messages {
		steps, err := s.store.ListSteps(r.Context(), msg.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		detail := messageDetail{Message: msg, Steps: make([]stepDetail, 0, len(steps))}
		for _, step := range steps {
			parts, err := s.store.ListParts(r.Context(), step.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
				return
			}
			detail.Steps = append(detail.Steps, stepDetail{Step: step, Parts: parts})
		}
		if usage, err := s.store.MessageUsage(r.Context(), msg.ID); err == nil {
			detail.Usage = usage
		}
		details = append(details, detail)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": details,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Text  string `json:"text"`
		Model string `json:"model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, busy := s.active[id]; busy {
		s.mu.Unlock()
		cancel()
		writeError(w, http.StatusConflict, "conflict", "Session already has a stream in flight")
		return
	}
	s.active[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.engine.SendMessage(ctx, engine.SendRequest{
			SessionID: id,
			Model:     req.Model,
			Text:      req.Text,
		}); err != nil {
			s.logger.Error("send message", "session_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"status":     "streaming",
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"session_id": id,
			"status":     "aborting",
		})
		return
	}

	// A turn paused on a question has no stream in flight but still holds
	// an open step; abort it directly.
	if err := s.engine.AbortPending(r.Context(), id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q has nothing in flight", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"status":     "aborted",
	})
}

// handleEvents serves the session's event feed over SSE. A Last-Event-ID
// header resumes from that cursor; otherwise ?replay=N replays the last N
// events before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	var (
		resume bool
		cursor eventlog.Cursor
		replay int
	)
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		var err error
		cursor, err = eventlog.ParseCursor(lastID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		resume = true
	} else if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "replay must be a non-negative integer")
			return
		}
		replay = n
	}

	opts := eventlog.SubscribeOptions{ReplayLast: replay}
	if resume {
		// The live subscription starts first; the stored backlog is
		// sent next and live events behind the backlog's high-water
		// mark are dropped as duplicates.
		opts.ReplayLast = 0
	}
	live, cancelSub, err := s.log.Subscribe(r.Context(), id, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	defer cancelSub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastSent eventlog.Cursor
	if resume {
		backlog, err := s.log.ReadFrom(r.Context(), id, cursor)
		if err != nil {
			s.logger.Error("event resync", "session_id", id, "error", err)
			return
		}
		lastSent = cursor
		for _, ev := range backlog {
			writeEvent(w, ev)
			lastSent = ev.Cursor()
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if resume && !ev.Cursor().After(lastSent) {
				continue
			}
			writeEvent(w, ev)
			lastSent = ev.Cursor()
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev eventlog.Event) {
	data := ev.Payload
	if data == nil {
		data = []byte("{}")
	}
	_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.Cursor().String(), ev.Type, data)
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
