package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// EncryptedProvider reads secrets from an AES-256-GCM encrypted file on the
// local filesystem. The file is seeded with Store, typically by a one-off
// provisioning step, and read-only at runtime.
type EncryptedProvider struct {
	key     []byte
	dataDir string
	mu      sync.RWMutex
	cache   map[string]string
}

// NewEncryptedProvider creates a new encrypted file provider
func NewEncryptedProvider(encryptionKey, dataDir string) (*EncryptedProvider, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", ErrInvalidKey)
	}

	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode encryption key: %v", ErrInvalidKey, err)
	}

	// AES-256 needs a 32 byte key
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be 32 bytes (256 bits), got %d", ErrInvalidKey, len(key))
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	p := &EncryptedProvider{
		key:     key,
		dataDir: dataDir,
		cache:   make(map[string]string),
	}

	if err := p.loadCache(); err != nil {
		return nil, fmt.Errorf("failed to load secrets cache: %w", err)
	}

	return p, nil
}

// Get retrieves a secret by key
func (p *EncryptedProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.cache[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Store writes a secret to the encrypted file. Not part of the Provider
// interface; used by provisioning tooling and tests.
func (p *EncryptedProvider) Store(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[key] = value
	return p.saveCache()
}

// Name returns the provider name
func (p *EncryptedProvider) Name() string {
	return "encrypted"
}

func (p *EncryptedProvider) secretsFile() string {
	return filepath.Join(p.dataDir, "secrets.enc")
}

func (p *EncryptedProvider) loadCache() error {
	data, err := os.ReadFile(p.secretsFile())
	if os.IsNotExist(err) {
		// No secrets file yet
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := p.decrypt(data)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	if err := json.Unmarshal(plaintext, &p.cache); err != nil {
		return fmt.Errorf("failed to parse secrets: %w", err)
	}

	return nil
}

func (p *EncryptedProvider) saveCache() error {
	plaintext, err := json.Marshal(p.cache)
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}

	ciphertext, err := p.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	// Write atomically
	tmpFile := p.secretsFile() + ".tmp"
	if err := os.WriteFile(tmpFile, ciphertext, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}

	if err := os.Rename(tmpFile, p.secretsFile()); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename secrets file: %w", err)
	}

	return nil
}

func (p *EncryptedProvider) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Nonce travels prepended to the ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *EncryptedProvider) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// GenerateKey generates a new 256-bit encryption key
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
