package subscription

import (
	"fmt"
	"time"
)

// Status defines the lifecycle state of a subscription record
type Status string

const (
	// StatusPending means the record exists but the upstream subscription
	// is not confirmed yet
	StatusPending Status = "PENDING"
	// StatusActive means the upstream subscription is confirmed and
	// notifications are expected
	StatusActive Status = "ACTIVE"
	// StatusExpiring means a renewal attempt has failed and retries are
	// in progress before the expiry deadline
	StatusExpiring Status = "EXPIRING"
	// StatusExpired means the subscription lapsed or was revoked
	StatusExpired Status = "EXPIRED"
	// StatusFailed means renewal was abandoned; a replacement is created
	StatusFailed Status = "FAILED"
)

// Terminal returns true for states that no longer receive notifications
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusFailed
}

// ResourceType identifies what kind of Graph resource is watched
type ResourceType string

const (
	ResourceTypeEmail        ResourceType = "EMAIL"
	ResourceTypeTeamsChat    ResourceType = "TEAMS_CHAT"
	ResourceTypeTeamsChannel ResourceType = "TEAMS_CHANNEL"
)

// Valid reports whether t is a known resource type
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceTypeEmail, ResourceTypeTeamsChat, ResourceTypeTeamsChannel:
		return true
	}
	return false
}

// ResourceExpression returns the Graph resource path watched for this type.
// Email subscriptions are per-mailbox; Teams subscriptions are tenant-wide.
func ResourceExpression(t ResourceType, accountID string) (string, error) {
	switch t {
	case ResourceTypeEmail:
		if accountID == "" {
			return "", fmt.Errorf("email subscription requires an account id")
		}
		return fmt.Sprintf("/users/%s/messages", accountID), nil
	case ResourceTypeTeamsChat:
		return "chats/getAllMessages", nil
	case ResourceTypeTeamsChannel:
		return "teams/getAllMessages", nil
	}
	return "", fmt.Errorf("unknown resource type %q", t)
}

// ChangeTypeFor returns the Graph changeType expression watched for this
// type. Mail is watched for edits too (drafts saved, flags changed);
// Teams message resources only support created.
func ChangeTypeFor(t ResourceType) string {
	if t == ResourceTypeEmail {
		return "created,updated"
	}
	return "created"
}

// WebhookPath returns the notification endpoint path for this type
func WebhookPath(t ResourceType) string {
	switch t {
	case ResourceTypeEmail:
		return "/webhooks/email"
	case ResourceTypeTeamsChat:
		return "/webhooks/teams/chat"
	case ResourceTypeTeamsChannel:
		return "/webhooks/teams/channel"
	}
	return ""
}

// Subscription tracks one upstream Graph subscription.
// Collection: subscriptions
type Subscription struct {
	ID              string       `bson:"_id" json:"id"`
	GraphID         string       `bson:"graphId,omitempty" json:"graphId,omitempty"` // Provider-assigned after create
	AccountID       string       `bson:"accountId,omitempty" json:"accountId,omitempty"`
	ResourceType    ResourceType `bson:"resourceType" json:"resourceType"`
	Resource        string       `bson:"resource" json:"resource"`
	NotificationURL string       `bson:"notificationUrl" json:"notificationUrl"`
	ClientState     string       `bson:"clientState" json:"-"` // Secret echoed back by the provider
	ChangeType      string       `bson:"changeType" json:"changeType"`
	ExpiresAt       time.Time    `bson:"expiresAt" json:"expiresAt"`
	NextRenewalAt   time.Time    `bson:"nextRenewalAt" json:"nextRenewalAt"`
	Status          Status       `bson:"status" json:"status"`
	RenewAttempts   int          `bson:"renewAttempts,omitempty" json:"renewAttempts,omitempty"`
	LastError       string       `bson:"lastError,omitempty" json:"lastError,omitempty"`
	CreatedAt       time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// IsLive returns true while the record may still receive notifications
func (s *Subscription) IsLive() bool {
	return !s.Status.Terminal()
}

// RenewalTime computes when a subscription granted at grantedAt and expiring
// at expiresAt should be renewed. fraction is the share of the granted
// lifetime left when renewal starts (0.2 means renew with 20% remaining).
func RenewalTime(grantedAt, expiresAt time.Time, fraction float64) time.Time {
	lifetime := expiresAt.Sub(grantedAt)
	return expiresAt.Add(-time.Duration(float64(lifetime) * fraction))
}

// TupleKey returns the identity of the watched tuple, used for keyed locking
func (s *Subscription) TupleKey() string {
	return string(s.ResourceType) + "|" + s.AccountID + "|" + s.Resource
}
