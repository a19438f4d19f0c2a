package warning

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP endpoints for the warning feed
type Handler struct {
	service Service
}

// NewHandler creates a new warning HTTP handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers warning routes on the given router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/unacknowledged", h.ListUnacknowledged)
		r.Get("/severity/{severity}", h.ListBySeverity)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Delete("/old", h.ClearOld)
	})
}

// List returns all warnings
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.All())
}

// ListUnacknowledged returns unacknowledged warnings
func (h *Handler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Unacknowledged())
}

// ListBySeverity returns warnings filtered by severity
func (h *Handler) ListBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")
	writeJSON(w, http.StatusOK, h.service.BySeverity(severity))
}

// Acknowledge acknowledges a warning
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.service.Acknowledge(id) {
		w.WriteHeader(http.StatusNoContent)
	} else {
		http.Error(w, "Warning not found", http.StatusNotFound)
	}
}

// ClearOld removes warnings older than the given number of hours (default 24)
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	h.service.ClearOlderThan(time.Now().Add(-time.Duration(hours) * time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
