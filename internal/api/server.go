// Package api exposes the HTTP control surface: run creation and status,
// gate decisions, webhook intake, dead-letter inspection and replay, and
// queue health. The handlers stay thin; acceptance rules live in the
// packages they front.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/telemetry"
	"loom/internal/webhook"
	"loom/internal/workflow"
)

// maxBodyBytes bounds request bodies; webhook payloads and run requests are
// both small.
const maxBodyBytes = 1 << 20

// Server is the HTTP API over the engine and stores.
type Server struct {
	cfg      *config.Config
	jobs     *queue.Store
	runs     *workflow.RunStore
	engine   *workflow.Engine
	letters  *deadletter.Store
	ingestor *webhook.Ingestor
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer wires the API over its collaborators.
func NewServer(cfg *config.Config, jobs *queue.Store, runs *workflow.RunStore, engine *workflow.Engine, letters *deadletter.Store, ingestor *webhook.Ingestor, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		runs:     runs,
		engine:   engine,
		letters:  letters,
		ingestor: ingestor,
		logger:   logging.NewComponentLogger(logger, "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	// Webhooks authenticate by signature, not bearer token.
	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/gates/{gate}", s.handleGateDecision)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/retry", s.handleQueueRetry)

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/replay", s.handleReplayDeadLetter)
	})

	return r
}

// Serve listens on the configured bind address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Paths.APIBind)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener runs the HTTP server on an existing listener. Tests use it
// to bind ephemeral ports.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	s.logger.Info("api listening", logging.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireToken enforces bearer auth when an API token is configured. With no
// token the API is open; the default bind is loopback only.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Paths.APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := r.Header.Get("Authorization")
		expected := "Bearer " + token
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing api token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.jobs.Health(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	respondJSON(w, http.StatusOK, health)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body")
		return
	}

	err = s.ingestor.HandleDelivery(r.Context(), provider, body, r.Header.Get(webhook.SignatureHeader))
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, webhook.ErrUnknownProvider):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, webhook.ErrSignatureInvalid), errors.Is(err, webhook.ErrNoSecret):
		respondError(w, http.StatusUnauthorized, "signature verification failed")
	case errors.Is(err, webhook.ErrEventInvalid):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("webhook ingestion failed",
			logging.String("provider", provider),
			logging.Error(err))
		respondError(w, http.StatusInternalServerError, "ingestion failed")
	}
}

type createRunRequest struct {
	Workflow string `json:"workflow,omitempty"`
	Topic    string `json:"topic"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		respondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	run, err := s.engine.CreateRun(r.Context(), req.Workflow, req.Topic)
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create run failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "create run failed")
		return
	}
	respondJSON(w, http.StatusCreated, workflow.Project(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var statuses []workflow.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = append(statuses, workflow.Status(raw))
	}
	runs, err := s.runs.List(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("list runs failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	projections := make([]workflow.Projection, 0, len(runs))
	for _, run := range runs {
		projections = append(projections, workflow.Project(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": projections})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, workflow.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	respondJSON(w, http.StatusOK, workflow.Project(run))
}

type gateDecisionRequest struct {
	Approve *bool `json:"approve"`
}

func (s *Server) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	gate := workflow.Gate(chi.URLParam(r, "gate"))

	var req gateDecisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Approve == nil {
		respondError(w, http.StatusBadRequest, "approve is required")
		return
	}
	if !gate.Approval() {
		respondError(w, http.StatusBadRequest, "gate does not take approval decisions")
		return
	}

	result, err := s.engine.Resume(r.Context(), runID, gate, workflow.Decision{Approved: req.Approve})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, workflow.Project(result.Run))
	case errors.Is(err, workflow.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, workflow.ErrGateNotAwaiting):
		respondError(w, http.StatusConflict, err.Error())
	case workflow.IsPermanent(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("gate decision failed",
			logging.String("run_id", runID),
			logging.Error(err))
		respondError(w, http.StatusInternalServerError, "gate decision failed")
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "queue stats failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type queueRetryRequest struct {
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	var req queueRetryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	retried, err := s.jobs.RetryTerminal(r.Context(), req.JobIDs...)
	if err != nil {
		s.logger.Error("queue retry failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "queue retry failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"retried": retried})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.letters.ListPending(r.Context())
	if err != nil {
		s.logger.Error("list dead letters failed", logging.Error(err))
		respondError(w, http.StatusInternalServerError, "list dead letters failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	err = s.ingestor.Replay(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
	case errors.Is(err, deadletter.ErrNotFound):
		respondError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, deadletter.ErrResolved):
		respondError(w, http.StatusConflict, "dead letter already resolved")
	default:
		s.logger.Error("replay dead letter failed",
			logging.Int64("dead_letter_id", id),
			logging.Error(err))
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
