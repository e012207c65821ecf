// Package server exposes the question-answering pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/insights/internal/insights"
	"github.com/malbeclabs/insights/internal/llm"
	"github.com/malbeclabs/insights/internal/query"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxRequestBytes    = 64 << 10
	healthCheckTimeout = 5 * time.Second
)

type Asker interface {
	Ask(ctx context.Context, req insights.Request) (*insights.Response, error)
	Flush()
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger         *slog.Logger
	Insights       Asker
	Warehouse      Pinger
	AllowedOrigins []string
	Metrics        *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Insights == nil {
		return errors.New("insights orchestrator is required")
	}
	if c.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return nil
}

type Server struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cfg.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthz)
	r.Post("/api/ask", s.ask)
	r.Delete("/api/cache", s.flushCache)

	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"traceId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, TraceID: middleware.GetReqID(r.Context())})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req insights.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.cfg.Insights.Ask(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("server: ask failed", "status", status, "error", err, "requestId", middleware.GetReqID(r.Context()))
		}
		s.writeError(w, r, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, insights.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrSchemaValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, llm.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, insights.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) flushCache(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Insights.Flush()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.cfg.Warehouse.Ping(ctx); err != nil {
		s.log.Warn("server: warehouse ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("warehouse unavailable\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}
