// Package diagnostics exposes the host process's operational surface:
// Prometheus scraping, a liveness probe, and an optional debug snapshot
// dump. Grounded on Adityaadpandey-sfu-go's cmd/sfu/main.go, which
// serves /metrics off a dedicated mux guarded by rs/cors.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the diagnostics HTTP listener: /metrics, /healthz, and
// (when enabled) /debug/snapshot.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds the diagnostics mux. snapshot is nil when the debug
// snapshot dump is disabled (supplements spec: env-gated, off by
// default).
func New(addr string, logger *zap.Logger, snapshot *SnapshotSource) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if snapshot != nil {
		mux.HandleFunc("/debug/snapshot", snapshot.ServeHTTP)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run blocks serving HTTP until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
