// Package api provides the HTTP server for tunekit.
// It exposes the action dispatcher, typed optimize/validate/estimate
// routes and the training job API with NDJSON progress streams.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/finetune"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// JobService is the job API surface. Implemented by finetune.Coordinator.
type JobService interface {
	Get(id string) (*domain.Job, error)
	List(limit int) ([]domain.Job, error)
	Metrics(id string) ([]domain.MetricSample, error)
	Subscribe(id string) ([]domain.ProgressEvent, <-chan domain.ProgressEvent, func(), error)
	Cancel(id string) error
	Stats() finetune.CoordinatorStats
}

// Config controls the HTTP surface.
type Config struct {
	CORSOrigins    []string
	RateLimitRPS   float64 // per client; 0 disables limiting
	RateLimitBurst int
	RequestTimeout time.Duration // non-streaming routes only
	EnableMetrics  bool
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		RequestTimeout: 2 * time.Minute,
	}
}

// Server is the tunekit HTTP API server.
type Server struct {
	config     Config
	dispatcher *app.Dispatcher
	jobs       JobService
	limiter    *limiterPool
	logger     *slog.Logger
}

// NewServer creates a new API server. jobs may be nil, in which case the
// job routes are not mounted.
func NewServer(cfg Config, dispatcher *app.Dispatcher, jobs JobService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		jobs:       jobs,
		logger:     logger.With("component", "api"),
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.config.EnableMetrics = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(s.cors)
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))
			r.Get("/system", s.handleSystem)
			r.Post("/actions", s.handleAction)
			r.Post("/optimize", s.handleTyped(app.ActionOptimize))
			r.Post("/validate", s.handleTyped(app.ActionValidate))
			r.Post("/estimate", s.handleTyped(app.ActionEstimate))
		})

		if s.jobs != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.With(middleware.Timeout(s.config.RequestTimeout)).Post("/", s.handleSubmitJob)
				r.With(middleware.Timeout(s.config.RequestTimeout)).Get("/", s.handleListJobs)
				r.Route("/{id}", func(r chi.Router) {
					r.With(middleware.Timeout(s.config.RequestTimeout)).Get("/", s.handleGetJob)
					r.With(middleware.Timeout(s.config.RequestTimeout)).Get("/metrics", s.handleJobMetrics)
					r.With(middleware.Timeout(s.config.RequestTimeout)).Post("/cancel", s.handleCancelJob)
					// Streams until the job ends; no timeout.
					r.Get("/events", s.handleJobEvents)
				})
			})
		}
	})

	if s.config.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "", errors.New("route not found"))
	})

	return r
}

// ─── Core Routes ────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.dispatcher.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.SystemInfo())
}

// handleAction accepts any tagged request and answers with the envelope.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req app.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "", err)
		return
	}
	result, err := s.dispatcher.Run(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), req.Action, err)
		return
	}
	writeJSON(w, statusForAction(req.Action), app.Response{Success: true, Action: req.Action, Result: result})
}

// handleTyped serves one action with the action implied by the route. The
// bare result is returned on success.
func (s *Server) handleTyped(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req app.Request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, action, err)
			return
		}
		req.Action = action
		result, err := s.dispatcher.Run(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), action, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decodeBody decodes a JSON body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrJobExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case app.IsInputError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func statusForAction(action string) int {
	if action == app.ActionTrain || action == app.ActionTrainModel {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// writeJSON writes a JSON response.
// writeJSON encodes v before writing the header, so a value that cannot be
// encoded becomes a 500 failure payload instead of a truncated body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(app.Failure("", fmt.Errorf("encode response: %w", err)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n')) //nolint:errcheck
}

// writeError writes the structured failure payload.
func writeError(w http.ResponseWriter, status int, action string, err error) {
	writeJSON(w, status, app.Failure(action, err))
}
