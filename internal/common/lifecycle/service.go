// Package lifecycle coordinates startup and shutdown of the relay's
// long-running components. The gateway dispatcher, the subscription
// manager's renewal loop, and the HTTP server each implement Service
// and run under a single Supervisor, so they start in dependency order
// and drain in reverse on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"
)

// startupGrace is how long the supervisor waits for an immediate
// startup failure before treating a service as started. Start blocks
// for the life of a service, so success can only be inferred.
const startupGrace = 100 * time.Millisecond

// stopTimeout bounds each service's Stop call during shutdown.
const stopTimeout = 30 * time.Second

// Service is a startable, stoppable component.
type Service interface {
	// Name identifies the service in logs
	Name() string

	// Start runs the service. It blocks until ctx is cancelled or
	// returns an error if startup fails.
	Start(ctx context.Context) error

	// Stop drains and shuts the service down within ctx's deadline.
	Stop(ctx context.Context) error

	// Health returns nil while the service is able to do its work.
	Health() error
}

// Supervisor runs a set of services with coordinated lifecycle.
// Services start in the order given and stop in reverse, so the HTTP
// server (listed last) stops accepting webhooks before the dispatcher
// behind it drains.
type Supervisor struct {
	services []Service
	mu       sync.RWMutex
	running  bool
}

// NewSupervisor creates a supervisor for the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{services: services}
}

// Run starts all services and blocks until ctx is cancelled. If any
// service fails to start, the ones already running are stopped and the
// startup error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(service Service) {
			errCh <- service.Start(ctx)
		}(svc)

		select {
		case err := <-errCh:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
			// No immediate failure, assume the service is up
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Shutdown requested, stopping services")

	s.stopServices(started)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// stopServices stops services in reverse start order.
func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		slog.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health returns nil only when every supervised service is healthy.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}
