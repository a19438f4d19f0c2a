// Package health exposes liveness and readiness endpoints under /q/health.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is one component's health check result
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// HealthResponse is the body of the health endpoints. Status is DOWN
// when any check is DOWN.
type HealthResponse struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc performs one health check
type CheckFunc func() Check

// Checker aggregates liveness and readiness checks. Liveness covers
// "restart me" conditions; readiness covers "stop routing to me"
// conditions like a lost store connection or a stalled renewal loop.
type Checker struct {
	mu        sync.RWMutex
	liveness  []CheckFunc
	readiness []CheckFunc
}

// NewChecker creates an empty health checker
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck registers a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	c.liveness = append(c.liveness, check)
	c.mu.Unlock()
}

// AddReadinessCheck registers a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	c.readiness = append(c.readiness, check)
	c.mu.Unlock()
}

// run evaluates the given check groups in order. No registered checks
// means UP.
func (c *Checker) run(groups ...[]CheckFunc) HealthResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := HealthResponse{Status: StatusUp}
	for _, group := range groups {
		for _, fn := range group {
			check := fn()
			if check.Status == StatusDown {
				response.Status = StatusDown
			}
			response.Checks = append(response.Checks, check)
		}
	}
	return response
}

// GetLiveness returns the liveness status
func (c *Checker) GetLiveness() HealthResponse {
	return c.run(c.liveness)
}

// GetReadiness returns the readiness status
func (c *Checker) GetReadiness() HealthResponse {
	return c.run(c.readiness)
}

// GetHealth returns liveness and readiness combined
func (c *Checker) GetHealth() HealthResponse {
	return c.run(c.liveness, c.readiness)
}

// HandleHealth serves /q/health
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetHealth())
}

// HandleLive serves /q/health/live
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetLiveness())
}

// HandleReady serves /q/health/ready
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetReadiness())
}

func writeResponse(w http.ResponseWriter, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if response.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(response)
}

// MongoDBCheck creates a health check for MongoDB
func MongoDBCheck(pingFunc func() error) CheckFunc {
	return func() Check {
		if err := pingFunc(); err != nil {
			return Check{
				Name:   "MongoDB",
				Status: StatusDown,
				Data: map[string]any{
					"error": err.Error(),
				},
			}
		}
		return Check{Name: "MongoDB", Status: StatusUp}
	}
}

// RedisCheck creates a health check for the Redis dedup store
func RedisCheck(pingFunc func() error) CheckFunc {
	return func() Check {
		if err := pingFunc(); err != nil {
			return Check{
				Name:   "Redis",
				Status: StatusDown,
				Data: map[string]any{
					"error": err.Error(),
				},
			}
		}
		return Check{Name: "Redis", Status: StatusUp}
	}
}

// ServiceCheck creates a health check from a lifecycle service's Health
// method (dispatcher, subscription manager)
func ServiceCheck(name string, healthFunc func() error) CheckFunc {
	return func() Check {
		if err := healthFunc(); err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data: map[string]any{
					"error": err.Error(),
				},
			}
		}
		return Check{Name: name, Status: StatusUp}
	}
}

// SubscriptionCoverageCheck reports DOWN when configured resources have no
// live subscription, meaning notifications are silently not arriving.
func SubscriptionCoverageCheck(coverage func() (active int, failed int, err error)) CheckFunc {
	return func() Check {
		active, failed, err := coverage()
		if err != nil {
			return Check{
				Name:   "SubscriptionCoverage",
				Status: StatusDown,
				Data: map[string]any{
					"error": err.Error(),
				},
			}
		}

		status := StatusUp
		if failed > 0 && active == 0 {
			status = StatusDown
		}
		return Check{
			Name:   "SubscriptionCoverage",
			Status: status,
			Data: map[string]any{
				"active": active,
				"failed": failed,
			},
		}
	}
}
