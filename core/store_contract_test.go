package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var contractBase = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func contractToken(secret string, createdAt time.Time) Token {
	return Token{
		ID:           uuid.New(),
		Secret:       secret,
		State:        StatePending,
		ClaimantMeta: &ClaimantMeta{IP: "198.51.100.4", UserAgent: "contract-test"},
		ExpiresAt:    createdAt.Add(5 * time.Minute),
		CreatedAt:    createdAt,
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tok := contractToken("secret-insert-find", contractBase)
		if err := s.Insert(ctx, tok); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := s.FindBySecret(ctx, tok.Secret)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.ID != tok.ID || got.Secret != tok.Secret || got.State != StatePending {
			t.Fatalf("unexpected token: %+v", got)
		}
		if !got.ExpiresAt.Equal(tok.ExpiresAt) || !got.CreatedAt.Equal(tok.CreatedAt) {
			t.Fatalf("timestamps changed: expires=%v created=%v", got.ExpiresAt, got.CreatedAt)
		}
		if got.ClaimantMeta == nil || got.ClaimantMeta.IP != "198.51.100.4" || got.ClaimantMeta.UserAgent != "contract-test" {
			t.Fatalf("claimant meta lost: %+v", got.ClaimantMeta)
		}
		if got.ClaimedAt != nil || got.ConsumedAt != nil || got.CancelledAt != nil || got.UserID != "" {
			t.Fatalf("fresh token has transition fields set: %+v", got)
		}
	})

	t.Run("FindMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.FindBySecret(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("DuplicateSecret", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Insert(ctx, contractToken("dup-secret", contractBase)); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		err := s.Insert(ctx, contractToken("dup-secret", contractBase.Add(time.Minute)))
		if !errors.Is(err, ErrSecretConflict) {
			t.Fatalf("expected ErrSecretConflict, got %v", err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tok := contractToken("secret-cas", contractBase)
		if err := s.Insert(ctx, tok); err != nil {
			t.Fatalf("insert: %v", err)
		}

		claimedAt := contractBase.Add(time.Minute)
		ok, err := s.CompareAndSwapState(ctx, tok.Secret, StatePending, Transition{To: StateClaimed, At: claimedAt})
		if err != nil || !ok {
			t.Fatalf("claim swap: ok=%v err=%v", ok, err)
		}
		ok, err = s.CompareAndSwapState(ctx, tok.Secret, StatePending, Transition{To: StateClaimed, At: claimedAt})
		if err != nil || ok {
			t.Fatalf("stale swap should not apply: ok=%v err=%v", ok, err)
		}

		consumedAt := contractBase.Add(2 * time.Minute)
		ok, err = s.CompareAndSwapState(ctx, tok.Secret, StateClaimed, Transition{To: StateConsumed, At: consumedAt, UserID: "user-42"})
		if err != nil || !ok {
			t.Fatalf("consume swap: ok=%v err=%v", ok, err)
		}

		got, err := s.FindBySecret(ctx, tok.Secret)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.State != StateConsumed || got.UserID != "user-42" {
			t.Fatalf("unexpected state after consume: %+v", got)
		}
		if got.ClaimedAt == nil || !got.ClaimedAt.Equal(claimedAt) {
			t.Fatalf("claimed_at = %v, want %v", got.ClaimedAt, claimedAt)
		}
		if got.ConsumedAt == nil || !got.ConsumedAt.Equal(consumedAt) {
			t.Fatalf("consumed_at = %v, want %v", got.ConsumedAt, consumedAt)
		}
		if got.CancelledAt != nil {
			t.Fatalf("cancelled_at set on consumed token")
		}
		if !got.ExpiresAt.Equal(tok.ExpiresAt) {
			t.Fatalf("expires_at changed to %v", got.ExpiresAt)
		}
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CompareAndSwapState(context.Background(), "missing", StatePending, Transition{To: StateClaimed, At: contractBase})
		if !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tok := contractToken("secret-race", contractBase)
		if err := s.Insert(ctx, tok); err != nil {
			t.Fatalf("insert: %v", err)
		}

		const n = 16
		var wg sync.WaitGroup
		wg.Add(n)
		results := make([]bool, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			idx := i
			go func() {
				defer wg.Done()
				results[idx], errs[idx] = s.CompareAndSwapState(ctx, tok.Secret, StatePending,
					Transition{To: StateClaimed, At: contractBase.Add(time.Second)})
			}()
		}
		wg.Wait()

		wins := 0
		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("swap %d: %v", i, errs[i])
			}
			if results[i] {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := contractToken("secret-old", contractBase.Add(-2*time.Hour))
		oldClaimed := contractToken("secret-old-claimed", contractBase.Add(-time.Hour))
		fresh := contractToken("secret-fresh", contractBase)
		for _, tok := range []Token{old, oldClaimed, fresh} {
			if err := s.Insert(ctx, tok); err != nil {
				t.Fatalf("insert %s: %v", tok.Secret, err)
			}
		}
		if ok, err := s.CompareAndSwapState(ctx, oldClaimed.Secret, StatePending, Transition{To: StateClaimed, At: contractBase}); err != nil || !ok {
			t.Fatalf("claim old token: ok=%v err=%v", ok, err)
		}

		n, err := s.DeleteOlderThan(ctx, contractBase.Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if n != 2 {
			t.Fatalf("deleted %d tokens, want 2", n)
		}
		for _, secret := range []string{old.Secret, oldClaimed.Secret} {
			if _, err := s.FindBySecret(ctx, secret); !errors.Is(err, ErrRecordNotFound) {
				t.Fatalf("%s should be gone, got %v", secret, err)
			}
		}
		if _, err := s.FindBySecret(ctx, fresh.Secret); err != nil {
			t.Fatalf("fresh token removed: %v", err)
		}

		n, err = s.DeleteOlderThan(ctx, contractBase.Add(-30*time.Minute))
		if err != nil || n != 0 {
			t.Fatalf("second delete: n=%d err=%v", n, err)
		}
	})
}
