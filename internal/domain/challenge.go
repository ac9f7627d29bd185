package domain

import "time"

type ChallengePurpose string

const (
	PurposeRegistration  ChallengePurpose = "registration-verify"
	PurposePasswordReset ChallengePurpose = "password-reset"
)

type ChallengeState string

const (
	ChallengeActive    ChallengeState = "active"
	ChallengeConsumed  ChallengeState = "consumed"
	ChallengeExpired   ChallengeState = "expired"
	ChallengeExhausted ChallengeState = "exhausted"
)

// Challenge is an ephemeral one-time-code record bound to (email, purpose).
// At most one challenge exists per pair; issuing a new one supersedes the
// prior one. Every state except active is terminal.
type Challenge struct {
	Email             string           `json:"email"`
	Purpose           ChallengePurpose `json:"purpose"`
	CodeHash          string           `json:"-"`
	RemainingAttempts int              `json:"remaining_attempts"`
	State             ChallengeState   `json:"state"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
}

// Active reports whether the challenge can still accept validation attempts.
func (c Challenge) Active(now time.Time) bool {
	return c.State == ChallengeActive && now.Before(c.ExpiresAt)
}
