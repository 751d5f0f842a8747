// Package memory provides an in-memory implementation of the session store
package memory

import (
	"context"
	"sync"

	"github.com/navikt/dualroom/internal/models"
)

// SessionStore keeps session keys in a map. It lives as long as the process.
type SessionStore struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewSessionStore creates an empty in-memory store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		values: make(map[string]string),
	}
}

// Get returns the value for key or models.ErrNotFound
func (s *SessionStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", models.ErrNotFound
	}
	return v, nil
}

// Set stores a single value
func (s *SessionStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

// SetMany stores all values under one lock
func (s *SessionStore) SetMany(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

// Delete removes keys
func (s *SessionStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Close is a no-op
func (s *SessionStore) Close() error {
	return nil
}
