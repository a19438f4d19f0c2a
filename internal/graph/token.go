package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.graphrelay.tech/internal/common/metrics"
)

// tokenExpiryBuffer is subtracted from the provider-reported lifetime so a
// token is never used within a minute of expiring.
const tokenExpiryBuffer = 60 * time.Second

// TokenSource supplies bearer tokens for Graph API calls.
type TokenSource interface {
	// Token returns a valid access token and its expiry time
	Token(ctx context.Context) (string, time.Time, error)

	// Invalidate discards the cached token so the next Token call
	// acquires a fresh one (called after a 401)
	Invalidate()
}

// ClientCredentialsConfig configures the OAuth2 client-credentials flow.
type ClientCredentialsConfig struct {
	// TokenURL is the full token endpoint, e.g.
	// https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	Timeout      time.Duration
}

// ClientCredentialsTokenSource acquires tokens via the client-credentials
// grant and caches them until shortly before expiry.
type ClientCredentialsTokenSource struct {
	cfg    ClientCredentialsConfig
	client *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClientCredentialsTokenSource creates a token source for the given app
// registration.
func NewClientCredentialsTokenSource(cfg ClientCredentialsConfig) *ClientCredentialsTokenSource {
	if cfg.Scope == "" {
		cfg.Scope = "https://graph.microsoft.com/.default"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ClientCredentialsTokenSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Token returns the cached token when still valid, otherwise fetches a new
// one. Safe for concurrent use.
func (s *ClientCredentialsTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt) {
		return s.token, s.expiresAt, nil
	}

	token, expiresAt, err := s.fetch(ctx)
	if err != nil {
		metrics.GraphTokenRefreshes.WithLabelValues("failed").Inc()
		return "", time.Time{}, err
	}
	metrics.GraphTokenRefreshes.WithLabelValues("success").Inc()

	s.token = token
	s.expiresAt = expiresAt
	return token, expiresAt, nil
}

// Invalidate discards the cached token.
func (s *ClientCredentialsTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *ClientCredentialsTokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("scope", s.cfg.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, &TransientError{Message: fmt.Sprintf("token request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", time.Time{}, &TransientError{
				StatusCode: resp.StatusCode,
				Message:    string(body),
			}
		}
		return "", time.Time{}, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response contained no access_token")
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return tr.AccessToken, expiresAt, nil
}

// StaticTokenSource returns a fixed token, used in tests and dev mode.
type StaticTokenSource struct {
	Value string
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	return s.Value, time.Now().Add(time.Hour), nil
}

func (s *StaticTokenSource) Invalidate() {}
