package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Token),
	}
}

func (s *MemoryStore) Insert(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[t.Secret]; exists {
		return ErrSecretConflict
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.data[t.Secret] = t
	return nil
}

func (s *MemoryStore) FindBySecret(_ context.Context, secret string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data[secret]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &t, nil
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, secret string, expected State, tr Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[secret]
	if !ok {
		return false, ErrRecordNotFound
	}
	if t.State != expected {
		return false, nil
	}
	t.apply(tr)
	s.data[secret] = t
	return true, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for secret, t := range s.data {
		if t.CreatedAt.Before(cutoff) {
			delete(s.data, secret)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
