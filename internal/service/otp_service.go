package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chat-identity/internal/domain"
	"chat-identity/internal/email"
	"chat-identity/internal/repository"
)

const (
	challengeTTL   = 10 * time.Minute
	attemptBudget  = 5
	resendCooldown = 60 * time.Second
	codeLength     = 6
)

var (
	ErrChallengeNotFound  = errors.New("no active challenge")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	ErrChallengeMismatch  = errors.New("challenge code mismatch")
	ErrResendThrottled    = errors.New("resend throttled")
	ErrCodeMalformed      = errors.New("code malformed")
)

// MismatchError reports how many attempts remain so the UI can warn before
// lockout.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("challenge code mismatch, %d attempts left", e.Remaining)
}

func (e *MismatchError) Unwrap() error { return ErrChallengeMismatch }

// ThrottledError carries the wait before another resend is accepted.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("resend throttled, retry in %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrResendThrottled }

// OTPService issues, validates and retires short-lived numeric codes bound
// to an account email and purpose.
type OTPService struct {
	logger     *zap.Logger
	accounts   repository.AccountRepository
	challenges repository.ChallengeStore
	cooldown   CooldownGuard
	sender     email.Sender
}

func NewOTPService(logger *zap.Logger, accounts repository.AccountRepository, challenges repository.ChallengeStore, cooldown CooldownGuard, sender email.Sender) *OTPService {
	if cooldown == nil {
		cooldown = NewMemoryCooldownGuard(resendCooldown)
	}
	return &OTPService{
		logger:     logger,
		accounts:   accounts,
		challenges: challenges,
		cooldown:   cooldown,
		sender:     sender,
	}
}

// Issue stores a fresh challenge for (email, purpose), superseding any
// prior one, and dispatches the code out of band. Delivery failure is
// logged, not returned: the challenge exists and the user can resend.
func (s *OTPService) Issue(ctx context.Context, emailAddr string, purpose domain.ChallengePurpose) error {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return ErrInvalidEmail
	}
	if _, err := s.accounts.GetByEmail(ctx, emailAddr); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	if err := s.cooldown.Arm(ctx, cooldownKey(emailAddr, purpose)); err != nil {
		s.logger.Warn("cooldown arm failed", zap.Error(err), zap.String("email", emailAddr))
	}
	return s.storeAndSend(ctx, emailAddr, purpose)
}

// Resend behaves like Issue but rejects with a retry-after duration inside
// the cooldown window of the previous issue or resend.
func (s *OTPService) Resend(ctx context.Context, emailAddr string, purpose domain.ChallengePurpose) error {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return ErrInvalidEmail
	}
	if _, err := s.accounts.GetByEmail(ctx, emailAddr); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	retryAfter, ok, err := s.cooldown.TryArm(ctx, cooldownKey(emailAddr, purpose))
	if err != nil {
		s.logger.Warn("cooldown check failed", zap.Error(err), zap.String("email", emailAddr))
	} else if !ok {
		return &ThrottledError{RetryAfter: retryAfter}
	}
	return s.storeAndSend(ctx, emailAddr, purpose)
}

func (s *OTPService) storeAndSend(ctx context.Context, emailAddr string, purpose domain.ChallengePurpose) error {
	code, hash, err := generateCode()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	challenge := domain.Challenge{
		Email:             emailAddr,
		Purpose:           purpose,
		CodeHash:          hash,
		RemainingAttempts: attemptBudget,
		State:             domain.ChallengeActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(challengeTTL),
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return err
	}

	if s.sender == nil {
		s.logger.Warn("no email sender configured, code not dispatched", zap.String("email", emailAddr))
		return nil
	}
	if err := s.sender.SendChallengeCode(ctx, emailAddr, code, purpose, challenge.ExpiresAt); err != nil {
		s.logger.Warn("send challenge code failed", zap.Error(err), zap.String("email", emailAddr))
	}
	return nil
}

// Validate checks a submitted code against the stored challenge. A mismatch
// burns an attempt; callers must not retry without new user input. On match
// the challenge is consumed and, for the registration purpose, the account's
// verified flag is flipped.
func (s *OTPService) Validate(ctx context.Context, emailAddr string, purpose domain.ChallengePurpose, code string) (domain.Account, error) {
	emailAddr = normalizeEmail(emailAddr)
	code = strings.TrimSpace(code)
	if emailAddr == "" {
		return domain.Account{}, ErrInvalidEmail
	}
	if !isValidCode(code) {
		return domain.Account{}, ErrCodeMalformed
	}

	challenge, err := s.challenges.Get(ctx, emailAddr, purpose)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Account{}, ErrChallengeNotFound
		}
		return domain.Account{}, err
	}

	switch challenge.State {
	case domain.ChallengeConsumed:
		return domain.Account{}, ErrChallengeNotFound
	case domain.ChallengeExhausted:
		return domain.Account{}, ErrChallengeExhausted
	case domain.ChallengeExpired:
		return domain.Account{}, ErrChallengeExpired
	}

	now := time.Now().UTC()
	if !challenge.Active(now) {
		// Lazy expiry: mark terminal on first touch, no sweeper needed.
		if err := s.challenges.MarkState(ctx, emailAddr, purpose, domain.ChallengeExpired); err != nil {
			s.logger.Warn("mark expired failed", zap.Error(err), zap.String("email", emailAddr))
		}
		return domain.Account{}, ErrChallengeExpired
	}

	if !verifyCode(code, challenge.CodeHash) {
		remaining, err := s.challenges.DecrementAttempts(ctx, emailAddr, purpose)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Account{}, ErrChallengeNotFound
			}
			return domain.Account{}, err
		}
		if remaining <= 0 {
			if err := s.challenges.MarkState(ctx, emailAddr, purpose, domain.ChallengeExhausted); err != nil {
				s.logger.Warn("mark exhausted failed", zap.Error(err), zap.String("email", emailAddr))
			}
			return domain.Account{}, ErrChallengeExhausted
		}
		return domain.Account{}, &MismatchError{Remaining: remaining}
	}

	if err := s.challenges.MarkState(ctx, emailAddr, purpose, domain.ChallengeConsumed); err != nil {
		return domain.Account{}, err
	}

	account, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Account{}, ErrAccountNotFound
		}
		return domain.Account{}, err
	}

	if purpose == domain.PurposeRegistration && !account.Verified {
		if err := s.accounts.SetVerified(ctx, account.ID); err != nil {
			return domain.Account{}, err
		}
		account.Verified = true
	}
	return account, nil
}

// ResetPassword consumes a password-reset challenge and rotates the hash.
func (s *OTPService) ResetPassword(ctx context.Context, emailAddr, code, newPassword string) (domain.Account, error) {
	newPassword = strings.TrimSpace(newPassword)
	if newPassword == "" {
		return domain.Account{}, ErrInvalidCredentials
	}

	account, err := s.Validate(ctx, emailAddr, domain.PurposePasswordReset, code)
	if err != nil {
		return domain.Account{}, err
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return domain.Account{}, err
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, string(hashBytes)); err != nil {
		return domain.Account{}, err
	}
	account.PasswordHash = string(hashBytes)
	return account, nil
}

func cooldownKey(emailAddr string, purpose domain.ChallengePurpose) string {
	return emailAddr + "|" + string(purpose)
}

func generateCode() (string, string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", "", err
	}
	code := fmt.Sprintf("%06d", n.Int64())

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	saltStr := base64.StdEncoding.EncodeToString(salt)
	hashBytes := sha256.Sum256([]byte(saltStr + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])

	return code, saltStr + ":" + hash, nil
}

func verifyCode(code, stored string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 {
		return false
	}
	saltStr := parts[0]
	expectedHash := parts[1]
	hashBytes := sha256.Sum256([]byte(saltStr + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expectedHash)) == 1
}

func isValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
