package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.graphrelay.tech/internal/subscription"
)

// Event is the canonical shape handed to the dispatcher. Immutable after
// construction; RawPayload is the untouched provider item.
type Event struct {
	EventID        string                    `json:"eventId"`
	SubscriptionID string                    `json:"subscriptionId"`
	ResourceType   subscription.ResourceType `json:"resourceType"`
	ChangeType     string                    `json:"changeType"`
	ResourceID     string                    `json:"resourceId"`
	ReceivedAt     time.Time                 `json:"receivedAt"`
	RawPayload     json.RawMessage           `json:"rawPayload"`
}

// EventID derives a deterministic identifier from the fields that are
// stable across provider redeliveries. Two deliveries of the same change
// always produce the same ID, which is what dedup keys on.
func EventID(subscriptionID, resourceID, changeType, timestamp string) string {
	h := sha256.New()
	h.Write([]byte(subscriptionID))
	h.Write([]byte{0})
	h.Write([]byte(resourceID))
	h.Write([]byte{0})
	h.Write([]byte(changeType))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

// notificationEnvelope is the provider push body: {"value":[...]}.
// Items stay raw so the original bytes can travel in the canonical event.
type notificationEnvelope struct {
	Value []json.RawMessage `json:"value"`
}

// notificationItem is one change notification as Graph sends it
type notificationItem struct {
	SubscriptionID                 string       `json:"subscriptionId"`
	SubscriptionExpirationDateTime string       `json:"subscriptionExpirationDateTime"`
	ClientState                    string       `json:"clientState"`
	ChangeType                     string       `json:"changeType"`
	Resource                       string       `json:"resource"`
	TenantID                       string       `json:"tenantId"`
	ResourceData                   resourceData `json:"resourceData"`
}

type resourceData struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type"`
	ODataID   string `json:"@odata.id"`
}
