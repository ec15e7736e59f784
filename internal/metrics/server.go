package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health is the JSON body of /healthz.
type Health struct {
	Status          string            `json:"status"`
	WriterQueue     int               `json:"writer_queue_depth"`
	WriterDropped   uint64            `json:"writer_dropped"`
	WriterCommitted uint64            `json:"writer_committed"`
	WriterFailed    uint64            `json:"writer_failed"`
	Breakers        map[string]string `json:"breakers"`
	Streams         map[string]bool   `json:"streams"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// HealthFunc snapshots the pipeline.
type HealthFunc func() Health

// Server exposes /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the admin server on addr.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthHandler(health))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 3 * time.Second,
		},
		logger: logger.With().Str("component", "metrics_server").Logger(),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("metrics listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// HealthHandler renders health as JSON. Any open breaker or disconnected
// stream marks the pipeline degraded but still answers 200.
func HealthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := health()
		if h.Status == "" {
			h.Status = "ok"
			for _, state := range h.Breakers {
				if state != "closed" {
					h.Status = "degraded"
				}
			}
			for _, up := range h.Streams {
				if !up {
					h.Status = "degraded"
				}
			}
		}
		if h.CheckedAt.IsZero() {
			h.CheckedAt = time.Now().UTC()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	}
}
