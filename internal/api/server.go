// Package api exposes the operational HTTP surface: health, readiness,
// metrics and the consumer summary. The administrative dashboard lives
// in another service; nothing here serves user-facing content.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
)

// StatusSource reports the consumer's liveness and counters.
type StatusSource interface {
	Running() bool
	Summary() refresh.Summary
}

// DepthSource reports queue list lengths.
type DepthSource interface {
	Depths(ctx context.Context) (refresh.QueueDepths, error)
}

// Server wires the ops routes to the consumer and queue.
type Server struct {
	router chi.Router
	status StatusSource
	depths DepthSource
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(status StatusSource, depths DepthSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		status: status,
		depths: depths,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(10 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", s.summary)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.status.Running() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type summaryResponse struct {
	Processed     int64               `json:"processed"`
	Succeeded     int64               `json:"succeeded"`
	Failed        int64               `json:"failed"`
	UptimeSeconds float64             `json:"uptimeSeconds"`
	Queues        refresh.QueueDepths `json:"queues"`
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	depths, err := s.depths.Depths(r.Context())
	if err != nil {
		s.logger.Error("queue depth lookup failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue depths unavailable"})
		return
	}
	sum := s.status.Summary()
	s.writeJSON(w, http.StatusOK, summaryResponse{
		Processed:     sum.Processed,
		Succeeded:     sum.Succeeded,
		Failed:        sum.Failed,
		UptimeSeconds: sum.Uptime.Seconds(),
		Queues:        depths,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in handler", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
