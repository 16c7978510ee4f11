// Package oskeyring wraps the operating system keychain behind a small
// interface so the CLI can store session tokens without ever writing them to
// disk in plaintext, and tests can substitute an in-memory fake.
package oskeyring

import (
	"errors"
	"fmt"
	"sync"

	keyringlib "github.com/zalando/go-keyring"
)

// ErrNotFound is returned by Get when no secret is stored under the key.
var ErrNotFound = errors.New("secret not found in keyring")

// Service is the keychain surface the CLI depends on.
type Service interface {
	// Get retrieves a secret. It returns ErrNotFound when absent.
	Get(service, user string) (string, error)
	// Set stores a secret.
	Set(service, user, secret string) error
	// Delete removes a secret. Deleting an absent secret is not an error.
	Delete(service, user string) error
}

// DefaultService stores secrets in the OS keychain.
type DefaultService struct{}

func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

func (s *DefaultService) Get(service, user string) (string, error) {
	secret, err := keyringlib.Get(service, user)
	if err != nil {
		if errors.Is(err, keyringlib.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading OS keyring: %w", err)
	}
	return secret, nil
}

func (s *DefaultService) Set(service, user, secret string) error {
	return keyringlib.Set(service, user, secret)
}

func (s *DefaultService) Delete(service, user string) error {
	err := keyringlib.Delete(service, user)
	if errors.Is(err, keyringlib.ErrNotFound) {
		return nil
	}
	return err
}

var _ Service = (*DefaultService)(nil)

// MemoryService is the in-memory stand-in used by CLI tests.
type MemoryService struct {
	mu    sync.RWMutex
	store map[string]map[string]string
}

func NewMemoryService() *MemoryService {
	return &MemoryService{store: make(map[string]map[string]string)}
}

func (s *MemoryService) Get(service, user string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if users, ok := s.store[service]; ok {
		if secret, ok := users[user]; ok {
			return secret, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryService) Set(service, user, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.store[service]; !ok {
		s.store[service] = make(map[string]string)
	}
	s.store[service][user] = secret
	return nil
}

func (s *MemoryService) Delete(service, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.store[service]; ok {
		delete(users, user)
	}
	return nil
}

var _ Service = (*MemoryService)(nil)
