package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer wraps the data-plane HTTP listener lifecycle.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer binds the handler's router to the given address.
func NewHTTPServer(address string, handler *Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:         address,
			Handler:      handler.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves requests until Shutdown. A closed-server error on shutdown is
// not reported.
func (s *HTTPServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address returns the configured bind address.
func (s *HTTPServer) Address() string {
	return s.server.Addr
}
