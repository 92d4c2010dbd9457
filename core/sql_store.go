package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// tokenRecord is the relational row for a Token.
type tokenRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Secret      string    `gorm:"size:128;uniqueIndex;not null"`
	State       string    `gorm:"size:16;index;not null"`
	UserID      string    `gorm:"size:128"`
	OriginIP    string    `gorm:"size:64"`
	UserAgent   string    `gorm:"size:512"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	ClaimedAt   *time.Time
	ConsumedAt  *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time `gorm:"index;not null"`
}

func (tokenRecord) TableName() string { return "login_tokens" }

func recordFromToken(t Token) tokenRecord {
	rec := tokenRecord{
		ID:          t.ID.String(),
		Secret:      t.Secret,
		State:       t.State.String(),
		UserID:      t.UserID,
		ExpiresAt:   t.ExpiresAt.UTC(),
		ClaimedAt:   t.ClaimedAt,
		ConsumedAt:  t.ConsumedAt,
		CancelledAt: t.CancelledAt,
		CreatedAt:   t.CreatedAt.UTC(),
	}
	if t.ClaimantMeta != nil {
		rec.OriginIP = t.ClaimantMeta.IP
		rec.UserAgent = t.ClaimantMeta.UserAgent
	}
	return rec
}

func (r tokenRecord) token() (*Token, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	state, err := ParseState(r.State)
	if err != nil {
		return nil, err
	}
	t := &Token{
		ID:          id,
		Secret:      r.Secret,
		State:       state,
		UserID:      r.UserID,
		ExpiresAt:   r.ExpiresAt,
		ClaimedAt:   r.ClaimedAt,
		ConsumedAt:  r.ConsumedAt,
		CancelledAt: r.CancelledAt,
		CreatedAt:   r.CreatedAt,
	}
	if r.OriginIP != "" || r.UserAgent != "" {
		t.ClaimantMeta = &ClaimantMeta{IP: r.OriginIP, UserAgent: r.UserAgent}
	}
	return t, nil
}

// SQLStore keeps tokens in the login_tokens table. The gorm.DB must be
// opened with TranslateError so duplicate secrets surface as
// gorm.ErrDuplicatedKey.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates or updates the login_tokens table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&tokenRecord{})
}

func (s *SQLStore) Insert(ctx context.Context, t Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	rec := recordFromToken(t)
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrSecretConflict
	}
	return err
}

func (s *SQLStore) FindBySecret(ctx context.Context, secret string) (*Token, error) {
	var rec tokenRecord
	err := s.db.WithContext(ctx).Where("secret = ?", secret).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.token()
}

func (s *SQLStore) CompareAndSwapState(ctx context.Context, secret string, expected State, tr Transition) (bool, error) {
	at := tr.At.UTC()
	fields := map[string]any{"state": tr.To.String()}
	switch tr.To {
	case StateClaimed:
		fields["claimed_at"] = at
	case StateConsumed:
		fields["consumed_at"] = at
		fields["user_id"] = tr.UserID
	case StateCancelled:
		fields["cancelled_at"] = at
	}

	res := s.db.WithContext(ctx).Model(&tokenRecord{}).
		Where("secret = ? AND state = ?", secret, expected.String()).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&tokenRecord{}).Where("secret = ?", secret).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrRecordNotFound
	}
	return false, nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&tokenRecord{})
	return res.RowsAffected, res.Error
}
