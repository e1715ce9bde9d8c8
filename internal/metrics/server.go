package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus scrape endpoint on its own port, separate
// from the operator API. A zero port disables it; every method on a nil
// Server is a no-op so callers need no conditional wiring.
type Server struct {
	srv *http.Server
}

// NewServer builds the scrape server, or nil when port is 0.
func NewServer(port int) *Server {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Addr returns the listen address, or empty when disabled.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.srv.Addr
}

// Start serves scrapes until Stop is called.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	return s.srv.ListenAndServe()
}

// Stop drains in-flight scrapes and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
