package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvProviderGet(t *testing.T) {
	t.Setenv("GRAPHRELAY_SECRET_GRAPH_CLIENT_SECRET", "s3cret")

	p := NewEnvProvider("GRAPHRELAY_SECRET_")

	value, err := p.Get(context.Background(), "graph-client-secret")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "s3cret" {
		t.Errorf("expected s3cret, got %q", value)
	}
}

func TestEnvProviderNotFound(t *testing.T) {
	p := NewEnvProvider("GRAPHRELAY_SECRET_")

	_, err := p.Get(context.Background(), "no-such-secret")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestGetOptional(t *testing.T) {
	t.Setenv("GRAPHRELAY_SECRET_CONSUMER_TOKEN", "tok")
	p := NewEnvProvider("GRAPHRELAY_SECRET_")

	// Empty ref resolves to empty without error
	value, err := GetOptional(context.Background(), p, "")
	if err != nil || value != "" {
		t.Errorf("empty ref: expected empty value, got %q err %v", value, err)
	}

	// Missing secret is treated as unset
	value, err = GetOptional(context.Background(), p, "missing")
	if err != nil || value != "" {
		t.Errorf("missing ref: expected empty value, got %q err %v", value, err)
	}

	value, err = GetOptional(context.Background(), p, "consumer-token")
	if err != nil || value != "tok" {
		t.Errorf("expected tok, got %q err %v", value, err)
	}
}

func TestEncryptedProviderRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	dir := t.TempDir()

	p, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("NewEncryptedProvider failed: %v", err)
	}

	if err := p.Store("admin-jwt-key", "hmac-key-material"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// A fresh provider over the same directory reads the persisted value
	p2, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	value, err := p2.Get(context.Background(), "admin-jwt-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "hmac-key-material" {
		t.Errorf("expected stored value, got %q", value)
	}
}

func TestEncryptedProviderWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	dir := t.TempDir()

	p, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Store("k", "v"); err != nil {
		t.Fatal(err)
	}

	otherKey, _ := GenerateKey()
	if _, err := NewEncryptedProvider(otherKey, dir); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestEncryptedProviderRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptedProvider("", t.TempDir()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty key: expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewEncryptedProvider("not-base64!!", t.TempDir()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad encoding: expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewEncryptedProvider("c2hvcnQ=", t.TempDir()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key: expected ErrInvalidKey, got %v", err)
	}
}

func TestNewProviderUnknownType(t *testing.T) {
	_, err := NewProvider(&Config{Provider: "etcd"})
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestNewProviderEnv(t *testing.T) {
	p, err := NewProvider(&Config{Provider: ProviderTypeEnv})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "env" {
		t.Errorf("expected env provider, got %s", p.Name())
	}
}
