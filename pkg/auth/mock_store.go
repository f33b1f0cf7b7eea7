package auth

import (
	"sync"
)

// MockStore implements TokenStore in memory for tests
type MockStore struct {
	tokens map[string]*Token
	mu     sync.RWMutex

	// Error injection for testing
	StoreError    error
	RetrieveError error
	ListError     error
	DeleteError   error
}

// NewMockStore creates a new mock token store
func NewMockStore() *MockStore {
	return &MockStore{tokens: make(map[string]*Token)}
}

func (m *MockStore) Store(token *Token) error {
	if m.StoreError != nil {
		return m.StoreError
	}
	if token == nil || token.Endpoint == "" {
		return ErrInvalidToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.Endpoint] = &cp
	return nil
}

func (m *MockStore) Retrieve(endpoint string) (*Token, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[endpoint]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

func (m *MockStore) List() ([]*Token, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Token, 0, len(m.tokens))
	for _, token := range m.tokens {
		cp := *token
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Delete(endpoint string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[endpoint]; !ok {
		return ErrTokenNotFound
	}
	delete(m.tokens, endpoint)
	return nil
}

func (m *MockStore) Exists(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tokens[endpoint]
	return ok
}

// Count returns the number of stored tokens
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// NewMockManager creates a Manager over a single mock store
func NewMockManager() (*Manager, *MockStore) {
	store := NewMockStore()
	return NewManagerWithStores(store), store
}
