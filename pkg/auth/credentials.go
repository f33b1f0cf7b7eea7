package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"
)

// Token is the shared secret for one notification endpoint. CreatedAt and
// Rotations are only tracked by stores that keep history.
type Token struct {
	Endpoint     string    `json:"endpoint"`
	Value        string    `json:"value"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
	Rotations    int       `json:"rotations,omitempty"`
}

// TokenStore is the interface for storing and retrieving endpoint tokens
type TokenStore interface {
	// Store saves the token for its endpoint
	Store(token *Token) error

	// Retrieve gets the token for an endpoint
	Retrieve(endpoint string) (*Token, error)

	// List returns all stored tokens
	List() ([]*Token, error)

	// Delete removes the token for an endpoint
	Delete(endpoint string) error

	// Exists checks if a token exists for an endpoint
	Exists(endpoint string) bool
}

// Manager handles token storage with fallback mechanisms
type Manager struct {
	stores []TokenStore
}

// NewManager creates a manager backed by the system keychain when
// available, an encrypted file, and finally the environment.
func NewManager() (*Manager, error) {
	var stores []TokenStore

	if keyringStore, err := NewKeyringStore(); err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "tokens.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over the given stores, in priority order
func NewManagerWithStores(stores ...TokenStore) *Manager {
	return &Manager{stores: stores}
}

// Store saves the token using the first store that accepts it
func (m *Manager) Store(token *Token) error {
	if token == nil || token.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if token.Value == "" {
		return errors.New("token value is required")
	}

	token.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		err := store.Store(token)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store token: %w", lastErr)
	}
	return ErrStoreUnavailable
}

// Retrieve gets the token for endpoint from the first store that has it
func (m *Manager) Retrieve(endpoint string) (*Token, error) {
	for _, store := range m.stores {
		if token, err := store.Retrieve(endpoint); err == nil && token != nil {
			return token, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, endpoint)
}

// List returns tokens from all stores, newest version per endpoint
func (m *Manager) List() ([]*Token, error) {
	byEndpoint := make(map[string]*Token)

	for _, store := range m.stores {
		tokens, err := store.List()
		if err != nil {
			continue
		}
		for _, token := range tokens {
			if existing, ok := byEndpoint[token.Endpoint]; !ok || token.LastModified.After(existing.LastModified) {
				byEndpoint[token.Endpoint] = token
			}
		}
	}

	result := make([]*Token, 0, len(byEndpoint))
	for _, token := range byEndpoint {
		result = append(result, token)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Endpoint < result[j].Endpoint })
	return result, nil
}

// Delete removes the token from every store
func (m *Manager) Delete(endpoint string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(endpoint); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if deleted {
		return nil
	}
	if lastErr != nil && !errors.Is(lastErr, ErrTokenNotFound) && !errors.Is(lastErr, ErrStoreUnavailable) {
		return fmt.Errorf("failed to delete token: %w", lastErr)
	}
	return fmt.Errorf("%w: %s", ErrTokenNotFound, endpoint)
}

// Resolve returns the token to use for endpoint: an explicit value wins,
// then whatever the stores hold.
func (m *Manager) Resolve(endpoint, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	token, err := m.Retrieve(endpoint)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

// getConfigDir returns the configuration directory path
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "rosterwatch")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "rosterwatch")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "rosterwatch")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "rosterwatch")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Masked returns a copy safe to print
func (t *Token) Masked() *Token {
	if t == nil {
		return nil
	}
	return &Token{
		Endpoint:     t.Endpoint,
		Value:        maskString(t.Value),
		LastModified: t.LastModified,
		CreatedAt:    t.CreatedAt,
		Rotations:    t.Rotations,
	}
}

// maskString masks all but the first 4 and last 4 characters of a string
func maskString(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrInvalidToken     = errors.New("invalid token")
	ErrStoreUnavailable = errors.New("token store unavailable")
)
