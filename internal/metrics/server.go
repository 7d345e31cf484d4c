package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/xtxerr/tiplot/internal/logging"
)

var log = logging.Component("metrics")

// Server serves /metrics and /health.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics HTTP server for m.
func NewServer(m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve serves on ln until Shutdown. Returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info("metrics listening", "address", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
