package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.graphrelay.tech/internal/graph"
	"go.graphrelay.tech/internal/subscription"
)

// SubscriptionHandler handles subscription management API requests
type SubscriptionHandler struct {
	manager *subscription.Manager
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(manager *subscription.Manager) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager}
}

// RegisterRoutes mounts the subscription endpoints on the given router
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/upstream", h.ListUpstream)
		r.Post("/{id}/renew", h.Renew)
		r.Delete("/{id}", h.Revoke)
	})
	r.Post("/setup-email", h.SetupEmail)
	r.Post("/setup-teams", h.SetupTeams)
}

// SubscriptionDTO is the API representation of a subscription record.
// The client state secret is never exposed.
type SubscriptionDTO struct {
	ID            string `json:"id"`
	GraphID       string `json:"graphId,omitempty"`
	AccountID     string `json:"accountId,omitempty"`
	ResourceType  string `json:"resourceType"`
	Resource      string `json:"resource"`
	ChangeType    string `json:"changeType"`
	Status        string `json:"status"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	NextRenewalAt string `json:"nextRenewalAt,omitempty"`
	RenewAttempts int    `json:"renewAttempts"`
	LastError     string `json:"lastError,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// CreateSubscriptionRequest asks for coverage of one resource
type CreateSubscriptionRequest struct {
	AccountID    string `json:"accountId"`
	ResourceType string `json:"resourceType"`
}

// SetupEmailRequest identifies the mailbox to watch
type SetupEmailRequest struct {
	AccountID string `json:"accountId"`
}

// List handles GET /api/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.manager.Repository().FindAll(r.Context())
	if err != nil {
		WriteInternalError(w, "Failed to fetch subscriptions")
		return
	}

	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toDTO(s)
	}
	WriteJSON(w, http.StatusOK, dtos)
}

// Create handles POST /api/subscriptions
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ResourceType == "" {
		WriteBadRequest(w, "resourceType is required")
		return
	}

	sub, err := h.manager.EnsureSubscription(r.Context(), req.AccountID, subscription.ResourceType(req.ResourceType))
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, toDTO(sub))
}

// Renew handles POST /api/subscriptions/{id}/renew
func (h *SubscriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.manager.ForceRenew(r.Context(), id)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, toDTO(sub))
}

// Revoke handles DELETE /api/subscriptions/{id}
func (h *SubscriptionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.manager.RevokeByID(r.Context(), id); err != nil {
		writeSubscriptionError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListUpstream handles GET /api/subscriptions/upstream. It returns the
// provider's view, which can drift from local records.
func (h *SubscriptionHandler) ListUpstream(w http.ResponseWriter, r *http.Request) {
	subs, err := h.manager.ListUpstream(r.Context())
	if err != nil {
		WriteBadGateway(w, "Failed to list upstream subscriptions")
		return
	}
	if subs == nil {
		subs = []graph.SubscriptionResource{}
	}
	WriteJSON(w, http.StatusOK, subs)
}

// SetupEmail handles POST /api/setup-email
func (h *SubscriptionHandler) SetupEmail(w http.ResponseWriter, r *http.Request) {
	var req SetupEmailRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		WriteBadRequest(w, "accountId is required")
		return
	}

	sub, err := h.manager.EnsureSubscription(r.Context(), req.AccountID, subscription.ResourceTypeEmail)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, toDTO(sub))
}

// SetupTeams handles POST /api/setup-teams. Covers both chat and channel
// messages; tenant-wide resources need no account.
func (h *SubscriptionHandler) SetupTeams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chat, err := h.manager.EnsureSubscription(ctx, "", subscription.ResourceTypeTeamsChat)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	channel, err := h.manager.EnsureSubscription(ctx, "", subscription.ResourceTypeTeamsChannel)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, []SubscriptionDTO{toDTO(chat), toDTO(channel)})
}

func writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		WriteNotFound(w, "Subscription not found")
	case errors.Is(err, subscription.ErrNotLive):
		WriteConflict(w, err.Error())
	case graph.IsRejected(err):
		WriteBadGateway(w, "Provider rejected the request: "+err.Error())
	case graph.IsTransient(err):
		WriteBadGateway(w, "Provider temporarily unavailable: "+err.Error())
	default:
		WriteBadRequest(w, err.Error())
	}
}

func toDTO(s *subscription.Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:            s.ID,
		GraphID:       s.GraphID,
		AccountID:     s.AccountID,
		ResourceType:  string(s.ResourceType),
		Resource:      s.Resource,
		ChangeType:    s.ChangeType,
		Status:        string(s.Status),
		RenewAttempts: s.RenewAttempts,
		LastError:     s.LastError,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !s.ExpiresAt.IsZero() {
		dto.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !s.NextRenewalAt.IsZero() {
		dto.NextRenewalAt = s.NextRenewalAt.UTC().Format(time.RFC3339)
	}
	return dto
}
