// Package gateway receives Microsoft Graph change notifications: it answers
// validation handshakes, authenticates pushes by clientState, deduplicates
// redeliveries, and hands canonical events to the dispatcher.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.graphrelay.tech/internal/common/metrics"
	"go.graphrelay.tech/internal/subscription"
	"go.graphrelay.tech/internal/warning"
)

// maxNotificationBody bounds a push batch body
const maxNotificationBody = 1 << 20 // 1MB

// SubscriptionLookup resolves provider subscription IDs to local records
type SubscriptionLookup interface {
	FindByGraphID(ctx context.Context, graphID string) (*subscription.Subscription, error)
}

// Dispatcher accepts canonical events for delivery. Submit returns an error
// when the queue cannot take the event within the caller's deadline.
type Dispatcher interface {
	Submit(ctx context.Context, event *Event) error
}

// Handler terminates the provider-facing webhook endpoints
type Handler struct {
	subs          SubscriptionLookup
	dedup         DedupStore
	dispatcher    Dispatcher
	warnings      warning.Service
	acceptTimeout time.Duration
}

// NewHandler creates a notification gateway handler
func NewHandler(subs SubscriptionLookup, dedup DedupStore, dispatcher Dispatcher, warnings warning.Service, acceptTimeout time.Duration) *Handler {
	if acceptTimeout == 0 {
		acceptTimeout = 2 * time.Second
	}
	return &Handler{
		subs:          subs,
		dedup:         dedup,
		dispatcher:    dispatcher,
		warnings:      warnings,
		acceptTimeout: acceptTimeout,
	}
}

// RegisterRoutes registers one webhook route per resource type
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/email", h.handle(subscription.ResourceTypeEmail))
	r.Post("/webhooks/teams/chat", h.handle(subscription.ResourceTypeTeamsChat))
	r.Post("/webhooks/teams/channel", h.handle(subscription.ResourceTypeTeamsChannel))
}

func (h *Handler) handle(resourceType subscription.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Validation handshake: echo the token back as plain text,
		// synchronously, before anything else. Never queued.
		if token := r.URL.Query().Get("validationToken"); token != "" {
			metrics.GatewayValidationHandshakes.WithLabelValues(string(resourceType)).Inc()
			slog.Info("Answering subscription validation", "resourceType", resourceType)

			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(token))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var envelope notificationEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			slog.Warn("Malformed notification batch", "resourceType", resourceType, "error", err)
			http.Error(w, "malformed notification", http.StatusBadRequest)
			return
		}

		events := h.screen(r.Context(), resourceType, envelope.Value)

		// All surviving events must be queued for the batch to count as
		// accepted. A full queue rejects the whole batch with 503 so the
		// provider redelivers later. Each event is marked in the dedup
		// store only after it is queued: queued events collapse the
		// redelivery overlap, while the rejected remainder stays
		// unmarked and is accepted on redelivery.
		submitCtx, cancel := context.WithTimeout(r.Context(), h.acceptTimeout)
		defer cancel()

		for _, event := range events {
			if err := h.dispatcher.Submit(submitCtx, event); err != nil {
				metrics.GatewayBatchesRejected.WithLabelValues(string(resourceType)).Inc()
				slog.Warn("Dispatcher rejected batch",
					"resourceType", resourceType,
					"events", len(events),
					"error", err)
				http.Error(w, "temporarily unable to accept notifications", http.StatusServiceUnavailable)
				return
			}

			if err := h.dedup.Mark(r.Context(), event.EventID); err != nil {
				// Fail open: an unmarked event risks one duplicate
				// downstream, never a lost notification
				slog.Error("Dedup mark failed", "eventId", event.EventID, "error", err)
			}
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// screen validates, authenticates, and deduplicates batch items. Drops are
// application-level outcomes and never fail the batch.
func (h *Handler) screen(ctx context.Context, resourceType subscription.ResourceType, items []json.RawMessage) []*Event {
	events := make([]*Event, 0, len(items))

	for _, raw := range items {
		metrics.GatewayNotificationsReceived.WithLabelValues(string(resourceType)).Inc()

		var item notificationItem
		if err := json.Unmarshal(raw, &item); err != nil {
			slog.Warn("Skipping undecodable notification item", "resourceType", resourceType, "error", err)
			continue
		}

		sub, err := h.subs.FindByGraphID(ctx, item.SubscriptionID)
		if err != nil {
			if errors.Is(err, subscription.ErrNotFound) {
				metrics.GatewayNotificationsDropped.WithLabelValues(string(resourceType), "unknown_subscription").Inc()
				slog.Info("Dropping notification for unknown subscription",
					"subscriptionId", item.SubscriptionID,
					"resourceType", resourceType)
				continue
			}
			slog.Error("Subscription lookup failed", "subscriptionId", item.SubscriptionID, "error", err)
			continue
		}

		if subtle.ConstantTimeCompare([]byte(item.ClientState), []byte(sub.ClientState)) != 1 {
			metrics.GatewayNotificationsDropped.WithLabelValues(string(resourceType), "spoofed").Inc()
			h.warnings.Raise(warning.CategorySpoofed, warning.SeverityCritical,
				"clientState mismatch for subscription "+item.SubscriptionID,
				"gateway")
			slog.Warn("Dropping notification with bad clientState",
				"subscriptionId", item.SubscriptionID,
				"resourceType", resourceType)
			continue
		}

		eventID := EventID(item.SubscriptionID, item.ResourceData.ID, item.ChangeType, item.SubscriptionExpirationDateTime)

		seen, err := h.dedup.Seen(ctx, eventID)
		if err != nil {
			// Dedup store trouble fails open: a duplicate downstream
			// beats a lost notification
			slog.Error("Dedup check failed, accepting event", "eventId", eventID, "error", err)
		} else if seen {
			metrics.DedupHits.Inc()
			metrics.GatewayNotificationsDropped.WithLabelValues(string(resourceType), "duplicate").Inc()
			slog.Debug("Suppressing duplicate notification", "eventId", eventID)
			continue
		}

		events = append(events, &Event{
			EventID:        eventID,
			SubscriptionID: item.SubscriptionID,
			ResourceType:   resourceType,
			ChangeType:     item.ChangeType,
			ResourceID:     item.ResourceData.ID,
			ReceivedAt:     time.Now(),
			RawPayload:     raw,
		})
	}

	return events
}
