package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrSecretConflict = errors.New("secret already exists")
)

// Store persists tokens keyed by secret. CompareAndSwapState is the only
// mutation after Insert and must be atomic at the storage layer.
type Store interface {
	Insert(ctx context.Context, t Token) error
	FindBySecret(ctx context.Context, secret string) (*Token, error)
	// CompareAndSwapState applies tr only if the persisted state equals
	// expected. It returns false when the state had already moved on.
	CompareAndSwapState(ctx context.Context, secret string, expected State, tr Transition) (bool, error)
	// DeleteOlderThan removes every token created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
