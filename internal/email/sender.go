package email

import (
	"context"
	"errors"
	"time"

	"chat-identity/internal/domain"
)

// Sender delivers one-time codes out of band.
type Sender interface {
	SendChallengeCode(ctx context.Context, toEmail string, code string, purpose domain.ChallengePurpose, expiresAt time.Time) error
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendChallengeCode(_ context.Context, _ string, _ string, _ domain.ChallengePurpose, _ time.Time) error {
	if s.reason == "" {
		return errors.New("email sender disabled")
	}
	return errors.New(s.reason)
}
