package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the given services under a supervisor and blocks until a
// shutdown signal arrives or a service fails. This is the main loop of
// the relay binary.
func Run(ctx context.Context, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	supervisor := NewSupervisor(services...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("Supervisor error", "error", err)
			return err
		}
	}

	// Give the supervisor slightly longer than the per-service stop
	// timeout before abandoning the shutdown.
	select {
	case err := <-errCh:
		return err
	case <-time.After(stopTimeout + 5*time.Second):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// HTTPService adapts an http.Server to the Service interface. The
// server carries both the webhook gateway and the management API, so
// it is listed last and therefore stopped first on shutdown.
type HTTPService struct {
	server *http.Server
	name   string
}

// NewHTTPService wraps an http.Server as a supervised service.
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{server: server, name: name}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Surface bind failures instead of reporting a started server
	select {
	case err := <-errCh:
		return err
	case <-time.After(startupGrace):
	}

	<-ctx.Done()
	return nil
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error {
	return nil
}
