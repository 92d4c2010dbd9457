package core

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTokenTTL          = 5 * time.Minute
	defaultMaxCreateAttempts = 3
	maxExpiryAttempts        = 3
)

// Manager owns every token transition. It is safe for concurrent use; all
// coordination between callers happens in the store's compare-and-swap.
type Manager struct {
	store          Store
	now            func() time.Time
	random         io.Reader
	secretLength   int
	ttl            time.Duration
	createAttempts int
	logger         *slog.Logger
	metrics        *Metrics
}

type Config struct {
	Store        Store
	Now          func() time.Time
	SecretLength int
	TokenTTL     time.Duration
	// MaxCreateAttempts bounds retries after a secret collision.
	MaxCreateAttempts int
	Logger            *slog.Logger
	Metrics           *Metrics
	// Random overrides the entropy source for secrets.
	Random io.Reader
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newError(KindConfiguration, "new manager", "store is required", nil)
	}
	length := cfg.SecretLength
	if length == 0 {
		length = DefaultSecretLength
	}
	if length < MinSecretLength {
		return nil, newError(KindConfiguration, "new manager", "secret length below minimum", nil,
			"length", strconv.Itoa(length), "min", strconv.Itoa(MinSecretLength))
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	if ttl < 0 {
		return nil, newError(KindConfiguration, "new manager", "token ttl must be positive", nil)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	attempts := cfg.MaxCreateAttempts
	if attempts <= 0 {
		attempts = defaultMaxCreateAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:          cfg.Store,
		now:            nowFn,
		random:         random,
		secretLength:   length,
		ttl:            ttl,
		createAttempts: attempts,
		logger:         logger,
		metrics:        cfg.Metrics,
	}, nil
}

// Create issues a new Pending token, retrying with a fresh secret if the
// store reports a collision.
func (m *Manager) Create(ctx context.Context, meta *ClaimantMeta) (Token, error) {
	const op = "create token"
	var lastErr error
	for attempt := 1; attempt <= m.createAttempts; attempt++ {
		secret, err := newSecretFrom(m.random, m.secretLength)
		if err != nil {
			return Token{}, newError(KindStorage, op, "generate secret", err)
		}
		now := m.now()
		t := Token{
			ID:        uuid.New(),
			Secret:    secret,
			State:     StatePending,
			ExpiresAt: now.Add(m.ttl),
			CreatedAt: now,
		}
		if meta != nil {
			cp := *meta
			t.ClaimantMeta = &cp
		}

		err = m.store.Insert(ctx, t)
		if err == nil {
			m.metrics.Inc(MetricTokenCreated)
			m.logger.DebugContext(ctx, "token created",
				slog.String("token", fingerprint(secret)),
				slog.Time("expires_at", t.ExpiresAt),
			)
			return t, nil
		}
		if !errors.Is(err, ErrSecretConflict) {
			return Token{}, m.storageError(ctx, op, secret, err)
		}
		lastErr = err
		m.metrics.Inc(MetricSecretCollision)
		m.logger.WarnContext(ctx, "secret collision, retrying", slog.Int("attempt", attempt))
	}
	m.metrics.Inc(MetricStorageFailure)
	return Token{}, newError(KindStorage, op, "secret collision retries exhausted", lastErr,
		"attempts", strconv.Itoa(m.createAttempts))
}

// Lookup returns the token after applying lazy expiry.
func (m *Manager) Lookup(ctx context.Context, secret string) (Token, error) {
	t, _, err := m.load(ctx, "lookup token", secret)
	if err != nil {
		return Token{}, err
	}
	return *t, nil
}

// Status returns the token's current state after applying lazy expiry.
func (m *Manager) Status(ctx context.Context, secret string) (State, error) {
	t, _, err := m.load(ctx, "token status", secret)
	if err != nil {
		return 0, err
	}
	return t.State, nil
}

// Claim moves a Pending token to Claimed. It returns false without an error
// when another caller got there first. A token that is already Claimed or
// Consumed also returns false: a late race loser and a later claim look the
// same from here, so callers must re-read the token before treating false
// as a live race.
func (m *Manager) Claim(ctx context.Context, secret string) (bool, error) {
	const op = "claim token"
	t, now, err := m.load(ctx, op, secret)
	if err != nil {
		return false, err
	}
	switch t.State {
	case StateExpired:
		return false, newError(KindExpired, op, "token expired", nil)
	case StateClaimed, StateConsumed:
		m.raceLost(ctx, op, secret, t.State)
		return false, nil
	case StateCancelled:
		return false, invalidState(op, t.State, StateClaimed)
	}

	ok, err := m.swap(ctx, op, secret, StatePending, Transition{To: StateClaimed, At: now})
	if err != nil || ok {
		return ok, err
	}

	// Lost between read and write; report what actually happened.
	t, _, err = m.load(ctx, op, secret)
	if err != nil {
		return false, err
	}
	switch t.State {
	case StateExpired:
		return false, newError(KindExpired, op, "token expired", nil)
	case StateCancelled:
		return false, invalidState(op, t.State, StateClaimed)
	}
	m.raceLost(ctx, op, secret, t.State)
	return false, nil
}

// MarkConsumed moves a Claimed token to Consumed and binds userID to it.
func (m *Manager) MarkConsumed(ctx context.Context, secret, userID string) (bool, error) {
	const op = "consume token"
	if userID == "" {
		return false, newError(KindInvalidRequest, op, "user id is required", nil)
	}
	return m.advance(ctx, op, secret, StateClaimed, Transition{To: StateConsumed, UserID: userID})
}

// Cancel moves a Claimed token to Cancelled.
func (m *Manager) Cancel(ctx context.Context, secret string) (bool, error) {
	return m.advance(ctx, "cancel token", secret, StateClaimed, Transition{To: StateCancelled})
}

// Cleanup deletes every token created more than retention ago, whatever
// its state.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	const op = "cleanup tokens"
	if retention <= 0 {
		return 0, newError(KindInvalidRequest, op, "retention must be positive", nil)
	}
	cutoff := m.now().Add(-retention)
	n, err := m.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return n, m.storageError(ctx, op, "", err)
	}
	if n > 0 {
		m.metrics.Add(MetricTokensCleaned, uint64(n))
		m.logger.InfoContext(ctx, "expired tokens cleaned", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// advance performs a single from -> tr.To step after lazy expiry.
func (m *Manager) advance(ctx context.Context, op, secret string, from State, tr Transition) (bool, error) {
	t, now, err := m.load(ctx, op, secret)
	if err != nil {
		return false, err
	}
	if t.State != from || !CanTransition(t.State, tr.To) {
		return false, invalidState(op, t.State, tr.To)
	}
	tr.At = now
	ok, err := m.swap(ctx, op, secret, from, tr)
	if err != nil {
		return false, err
	}
	if !ok {
		m.raceLost(ctx, op, secret, from)
	}
	return ok, nil
}

// load reads a token and applies lazy expiry, persisting the Expired
// transition through the same compare-and-swap as every other write.
func (m *Manager) load(ctx context.Context, op, secret string) (*Token, time.Time, error) {
	if secret == "" {
		return nil, time.Time{}, newError(KindNotFound, op, "token not found", nil)
	}
	for attempt := 0; attempt < maxExpiryAttempts; attempt++ {
		t, err := m.store.FindBySecret(ctx, secret)
		if err != nil {
			return nil, time.Time{}, m.storageError(ctx, op, secret, err)
		}
		now := m.now()
		if !t.expired(now) {
			return t, now, nil
		}
		tr := Transition{To: StateExpired, At: now}
		ok, err := m.store.CompareAndSwapState(ctx, secret, t.State, tr)
		if err != nil {
			return nil, time.Time{}, m.storageError(ctx, op, secret, err)
		}
		if ok {
			t.apply(tr)
			m.metrics.Inc(MetricTokenExpired)
			m.logger.InfoContext(ctx, "token expired",
				slog.String("op", op),
				slog.String("token", fingerprint(secret)),
			)
			return t, now, nil
		}
	}
	return nil, time.Time{}, newError(KindStorage, op, "token state kept changing during expiry", nil)
}

func (m *Manager) swap(ctx context.Context, op, secret string, from State, tr Transition) (bool, error) {
	ok, err := m.store.CompareAndSwapState(ctx, secret, from, tr)
	if err != nil {
		return false, m.storageError(ctx, op, secret, err)
	}
	if !ok {
		return false, nil
	}
	switch tr.To {
	case StateClaimed:
		m.metrics.Inc(MetricTokenClaimed)
	case StateConsumed:
		m.metrics.Inc(MetricTokenConsumed)
	case StateCancelled:
		m.metrics.Inc(MetricTokenCancelled)
	}
	m.logger.DebugContext(ctx, "token transitioned",
		slog.String("op", op),
		slog.String("token", fingerprint(secret)),
		slog.String("from", from.String()),
		slog.String("to", tr.To.String()),
	)
	return true, nil
}

func (m *Manager) raceLost(ctx context.Context, op, secret string, current State) {
	m.metrics.Inc(MetricClaimRaceLost)
	m.logger.InfoContext(ctx, "token transition lost race",
		slog.String("op", op),
		slog.String("token", fingerprint(secret)),
		slog.String("state", current.String()),
	)
}

func (m *Manager) storageError(ctx context.Context, op, secret string, err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return newError(KindNotFound, op, "token not found", nil)
	}
	m.metrics.Inc(MetricStorageFailure)
	m.logger.ErrorContext(ctx, "token store failure",
		slog.String("op", op),
		slog.String("token", fingerprint(secret)),
		slog.Any("error", err),
	)
	return newError(KindStorage, op, "token store failure", err)
}

func invalidState(op string, from, to State) error {
	return newError(KindInvalidState, op, "transition not allowed", nil,
		"from", from.String(), "to", to.String())
}
