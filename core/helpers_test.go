package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, store Store) (*Manager, *fakeClock, *Metrics) {
	t.Helper()
	clock := newFakeClock()
	metrics := NewMetrics()
	m, err := NewManager(Config{
		Store:   store,
		Now:     clock.Now,
		Logger:  discardLogger(),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, clock, metrics
}

// countingStore fails every call and records that it was touched.
type countingStore struct {
	calls atomic.Int64
	err   error
}

func (s *countingStore) touch() error {
	s.calls.Add(1)
	if s.err != nil {
		return s.err
	}
	return errors.New("store should not be reached")
}

func (s *countingStore) Insert(context.Context, Token) error { return s.touch() }

func (s *countingStore) FindBySecret(context.Context, string) (*Token, error) {
	return nil, s.touch()
}

func (s *countingStore) CompareAndSwapState(context.Context, string, State, Transition) (bool, error) {
	return false, s.touch()
}

func (s *countingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, s.touch()
}

// conflictStore reports a secret collision for the first n inserts.
type conflictStore struct {
	Store
	remaining int
	inserts   int
}

func (s *conflictStore) Insert(ctx context.Context, t Token) error {
	s.inserts++
	if s.remaining > 0 {
		s.remaining--
		return ErrSecretConflict
	}
	return s.Store.Insert(ctx, t)
}

func mustCreate(t *testing.T, m *Manager) Token {
	t.Helper()
	tok, err := m.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tok
}
