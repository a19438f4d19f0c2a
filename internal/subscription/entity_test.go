package subscription

import "testing"

func TestResourceExpression(t *testing.T) {
	tests := []struct {
		resourceType ResourceType
		accountID    string
		want         string
		wantErr      bool
	}{
		{ResourceTypeEmail, "user-1", "/users/user-1/messages", false},
		{ResourceTypeEmail, "", "", true},
		{ResourceTypeTeamsChat, "", "chats/getAllMessages", false},
		{ResourceTypeTeamsChannel, "", "teams/getAllMessages", false},
		{ResourceType("CALENDAR"), "user-1", "", true},
	}

	for _, tt := range tests {
		got, err := ResourceExpression(tt.resourceType, tt.accountID)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.resourceType)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.resourceType, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.resourceType, tt.want, got)
		}
	}
}

func TestWebhookPaths(t *testing.T) {
	if got := WebhookPath(ResourceTypeEmail); got != "/webhooks/email" {
		t.Errorf("unexpected email path: %s", got)
	}
	if got := WebhookPath(ResourceTypeTeamsChat); got != "/webhooks/teams/chat" {
		t.Errorf("unexpected chat path: %s", got)
	}
	if got := WebhookPath(ResourceTypeTeamsChannel); got != "/webhooks/teams/channel" {
		t.Errorf("unexpected channel path: %s", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusActive, StatusExpiring} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
	for _, status := range []Status{StatusExpired, StatusFailed} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
}
