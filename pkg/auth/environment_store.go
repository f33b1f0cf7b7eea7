package auth

import (
	"os"
	"time"
)

// EnvironmentStore reads the token from ROSTERWATCH_API_TOKEN or API_TOKEN.
// It matches any endpoint and is read-only.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based token store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

func envToken() string {
	if v := os.Getenv("ROSTERWATCH_API_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("API_TOKEN")
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(token *Token) error {
	return ErrStoreUnavailable
}

// Retrieve returns the environment token labelled with endpoint
func (e *EnvironmentStore) Retrieve(endpoint string) (*Token, error) {
	value := envToken()
	if value == "" {
		return nil, ErrTokenNotFound
	}
	if endpoint == "" {
		endpoint = "environment"
	}
	return &Token{Endpoint: endpoint, Value: value, LastModified: time.Now()}, nil
}

// List returns the environment token, if set
func (e *EnvironmentStore) List() ([]*Token, error) {
	token, err := e.Retrieve("")
	if err != nil {
		return []*Token{}, nil
	}
	return []*Token{token}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(endpoint string) error {
	return ErrStoreUnavailable
}

// Exists checks if an environment token is set
func (e *EnvironmentStore) Exists(endpoint string) bool {
	return envToken() != ""
}
