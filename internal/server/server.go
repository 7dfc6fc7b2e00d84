package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/promptrelay/internal/chat"
	"github.com/stupiduntilnot/promptrelay/internal/config"
	"github.com/stupiduntilnot/promptrelay/internal/metrics"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Client-facing error messages.
const (
	msgInvalidJSON    = "Invalid JSON body"
	msgPromptRequired = "Prompt is required"
	msgInputRequired  = "Input text is required"
	msgTaskRequired   = "Task type is required"
	msgInternal       = "Internal server error"
)

// Options configures the HTTP boundary.
type Options struct {
	// ErrorMode is config.ErrorModeInline or config.ErrorModeStatus.
	ErrorMode      string
	AllowedOrigins []string
	// RequestTimeout bounds every route except /api/chat. A chat request may
	// queue behind other exchanges on its session; it is bounded by the
	// upstream deadline, which starts once the session is free.
	RequestTimeout time.Duration
}

type Server struct {
	log     logrus.FieldLogger
	mux     *chi.Mux
	svc     *chat.Service
	metrics *metrics.Metrics
	opts    Options
}

// Pointer fields tell an omitted key, which takes the default, from an
// explicit empty string.
type chatRequest struct {
	SessionID *string `json:"session_id"`
	Model     *string `json:"model"`
	Prompt    string  `json:"prompt"`
}

type chatResponse struct {
	ResponseText string `json:"response_text"`
}

type playgroundRequest struct {
	Task  string  `json:"task"`
	Input string  `json:"input"`
	Model *string `json:"model"`
}

type playgroundResponse struct {
	Response string `json:"response"`
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(log logrus.FieldLogger, svc *chat.Service, m *metrics.Metrics, opts Options) *Server {
	if opts.ErrorMode == "" {
		opts.ErrorMode = config.ErrorModeInline
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 65 * time.Second
	}

	s := &Server{
		log:     log.WithField("component", "http-server"),
		mux:     chi.NewRouter(),
		svc:     svc,
		metrics: m,
		opts:    opts,
	}
	s.mux.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.logRequests,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Request-Id"},
			MaxAge:         300,
		}),
	)
	s.setupHandlers()
	return s
}

func (s *Server) setupHandlers() {
	s.mux.Post("/api/chat", s.handleChat)

	s.mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Post("/api/playground", s.handlePlayground)
		r.Get("/api/sessions/{id}", s.handleGetSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, chat.EndpointChat, &req) {
		return
	}

	res, err := s.svc.Chat(r.Context(), chat.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Prompt:    req.Prompt,
	})
	if err != nil {
		s.writeServiceError(w, r, chat.EndpointChat, err)
		return
	}
	s.writeResult(w, chat.EndpointChat, res, chatResponse{ResponseText: res.Text})
}

func (s *Server) handlePlayground(w http.ResponseWriter, r *http.Request) {
	var req playgroundRequest
	if !s.decode(w, r, chat.EndpointPlayground, &req) {
		return
	}

	res, err := s.svc.Playground(r.Context(), chat.PlaygroundRequest{
		Task:  req.Task,
		Input: req.Input,
		Model: req.Model,
	})
	if err != nil {
		s.writeServiceError(w, r, chat.EndpointPlayground, err)
		return
	}
	s.writeResult(w, chat.EndpointPlayground, res, playgroundResponse{Response: res.Text})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.svc.History(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "sessions", err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Turns: turns})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, "sessions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.log.WithError(err).WithField("endpoint", endpoint).Debug("rejecting malformed body")
		s.metrics.ObserveRequest(endpoint, metrics.OutcomeBadRequest)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidJSON})
		return false
	}
	return true
}

// writeResult answers a completed exchange. Upstream failures are reported
// inline as a normal reply unless the server runs in status mode.
func (s *Server) writeResult(w http.ResponseWriter, endpoint string, res chat.Result, body any) {
	s.metrics.ObserveRequest(endpoint, res.Outcome.String())
	if res.Outcome == chat.OutcomeUpstreamError && s.opts.ErrorMode == config.ErrorModeStatus {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: res.Text})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var msg string
	switch {
	case errors.Is(err, chat.ErrPromptRequired):
		msg = msgPromptRequired
	case errors.Is(err, chat.ErrInputRequired):
		msg = msgInputRequired
	case errors.Is(err, chat.ErrTaskRequired):
		msg = msgTaskRequired
	}
	if msg != "" {
		s.metrics.ObserveRequest(endpoint, metrics.OutcomeBadRequest)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	s.log.WithError(err).WithFields(logrus.Fields{
		"endpoint":   endpoint,
		"request_id": middleware.GetReqID(r.Context()),
	}).Error("request failed")
	s.metrics.ObserveRequest(endpoint, metrics.OutcomeInternalError)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgInternal})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_addr": r.RemoteAddr,
		}).Info("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.WithField("addr", addr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrapf(err, "failed to start HTTP server on %s", addr)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("gracefully shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return pkgerrors.Wrap(err, "failed to gracefully shutdown HTTP server")
		}
		return nil
	})

	return g.Wait()
}
