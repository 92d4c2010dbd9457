package core

import (
	"time"

	"github.com/google/uuid"
)

// Token is a single scan-to-login attempt. Only Secret ever leaves the
// process; ID is the store's own handle.
type Token struct {
	ID           uuid.UUID     `json:"id"`
	Secret       string        `json:"secret"`
	State        State         `json:"state"`
	UserID       string        `json:"user_id,omitempty"`
	ClaimantMeta *ClaimantMeta `json:"claimant_meta,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	ClaimedAt    *time.Time    `json:"claimed_at,omitempty"`
	ConsumedAt   *time.Time    `json:"consumed_at,omitempty"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ClaimantMeta describes the desktop that asked for the QR code. It is
// informational and never feeds an authorization decision.
type ClaimantMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Transition is the set of fields a compare-and-swap writes.
type Transition struct {
	To     State
	At     time.Time
	UserID string
}

// apply writes the transition onto t the same way every store does.
func (t *Token) apply(tr Transition) {
	at := tr.At
	t.State = tr.To
	switch tr.To {
	case StateClaimed:
		t.ClaimedAt = &at
	case StateConsumed:
		t.ConsumedAt = &at
		t.UserID = tr.UserID
	case StateCancelled:
		t.CancelledAt = &at
	}
}

// expired reports whether lazy expiry should move t to StateExpired.
func (t *Token) expired(now time.Time) bool {
	return t.State.Live() && !now.Before(t.ExpiresAt)
}
