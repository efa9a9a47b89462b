package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookbuild/internal/build"
	"github.com/mattjoyce/hookbuild/internal/signature"
)

// Server represents the webhook HTTP server.
type Server struct {
	config   Config
	verifier *signature.Verifier
	trigger  BuildTrigger
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new webhook server instance.
func New(config Config, verifier *signature.Verifier, trigger BuildTrigger, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = verifier.Header()
	}

	return &Server{
		config:   config,
		verifier: verifier,
		trigger:  trigger,
		logger:   logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting",
		"listen", s.config.Listen,
		"path", s.config.Path,
		"signature_header", s.config.SignatureHeader,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post(s.config.Path, s.handleWebhook)

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook verifies a delivery and triggers a build.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	// The raw bytes are what the sender signed; read them before any parsing.
	limitedReader := io.LimitReader(r.Body, s.config.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.logger.Warn("failed to read webhook body", "request_id", reqID, "error", err)
		s.respondError(w, http.StatusBadRequest, MsgReadFailed)
		return
	}

	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, MsgTooLarge)
		return
	}

	// A missing header reads as "" and is rejected like any other mismatch.
	claimed := r.Header.Get(s.config.SignatureHeader)
	if err := s.verifier.Verify(body, claimed); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"request_id", reqID,
			"error", err,
		)
		s.respondError(w, http.StatusForbidden, MsgForbidden)
		return
	}

	delivery, err := parseDelivery(r, body)
	if err != nil {
		s.logger.Warn("verified webhook has malformed payload",
			"request_id", reqID,
			"delivery_id", delivery.ID,
			"error", err,
		)
		s.respondError(w, http.StatusBadRequest, MsgMalformed)
		return
	}

	buildID, err := s.trigger.Trigger(ctx, build.Request{
		DeliveryID: delivery.ID,
		Event:      delivery.Event,
	})
	if err != nil {
		s.logger.Error("failed to trigger build",
			"request_id", reqID,
			"delivery_id", delivery.ID,
			"error", err,
		)
		if errors.Is(err, build.ErrShuttingDown) {
			s.respondError(w, http.StatusServiceUnavailable, MsgUnavailable)
			return
		}
		s.respondError(w, http.StatusInternalServerError, MsgTriggerFailed)
		return
	}

	s.logger.Info("webhook build triggered",
		"request_id", reqID,
		"delivery_id", delivery.ID,
		"event", delivery.Event,
		"repository", delivery.Repository,
		"ref", delivery.Ref,
		"after", delivery.After,
		"build_id", buildID,
	)

	s.respondJSON(w, http.StatusOK, TriggerResponse{Status: StatusAccepted, BuildID: buildID})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
