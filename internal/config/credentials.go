package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/refnote/internal/storage"
)

// Secrets are kept in the data store, never in the config backend.
const (
	APIKeyName   = "APIKey"
	APITokenName = "APIToken"
)

// SecretStore is the key-value store holding secrets. Implemented by
// storage.Store.
type SecretStore interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
	DeleteValue(key string) error
}

// KeySource names where the API key in effect came from.
type KeySource string

const (
	SourceNone     KeySource = ""
	SourceEnv      KeySource = "env"
	SourceStore    KeySource = "store"
	SourceKeychain KeySource = "keychain"
)

// Credentials resolves the LLM API key. REFNOTE_API_KEY wins over the stored
// key, which wins over the macOS Keychain.
type Credentials struct {
	store    SecretStore
	envKey   string
	keychain func() (string, error)
}

func NewCredentials(cfg Config, store SecretStore) *Credentials {
	return &Credentials{
		store:    store,
		envKey:   strings.TrimSpace(cfg.Proxy.APIKey),
		keychain: keychainAPIKey,
	}
}

// APIKey returns the key in effect, or "" when none is configured.
func (c *Credentials) APIKey() string {
	k, _ := c.Lookup()
	return k
}

func (c *Credentials) Lookup() (string, KeySource) {
	if c.envKey != "" {
		return c.envKey, SourceEnv
	}
	if c.store != nil {
		if k, err := c.store.GetValue(APIKeyName); err == nil && strings.TrimSpace(k) != "" {
			return strings.TrimSpace(k), SourceStore
		}
	}
	if c.keychain != nil {
		if k, err := c.keychain(); err == nil && k != "" {
			return k, SourceKeychain
		}
	}
	return "", SourceNone
}

// SetAPIKey stores key. An empty key removes the stored one.
func (c *Credentials) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return c.store.DeleteValue(APIKeyName)
	}
	if err := c.store.SetValue(APIKeyName, key); err != nil {
		return fmt.Errorf("storing API key: %w", err)
	}
	return nil
}

// EnsureAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use.
func EnsureAPIToken(store SecretStore) (string, error) {
	tok, err := store.GetValue(APITokenName)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := store.SetValue(APITokenName, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// MaskKey shows only the last four characters of a secret.
func MaskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}
