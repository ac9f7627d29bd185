package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chat-identity/internal/domain"
	"chat-identity/internal/repository"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrIdentityAmbiguous  = errors.New("identity assertion has no usable email")
	ErrWriteConflict      = errors.New("write lost uniqueness race")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotVerified = errors.New("account not verified")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrEmailTaken         = errors.New("email already registered")
)

// IdentityService maps verified external identity assertions and password
// registrations onto local account records.
type IdentityService struct {
	logger    *zap.Logger
	accounts  repository.AccountRepository
	allocator *HandleAllocator
}

func NewIdentityService(logger *zap.Logger, accounts repository.AccountRepository, allocator *HandleAllocator) *IdentityService {
	return &IdentityService{
		logger:    logger,
		accounts:  accounts,
		allocator: allocator,
	}
}

// ResolveInput carries an identity assertion already authenticated by the
// upstream provider. The resolver trusts provider id and email as given.
type ResolveInput struct {
	ProviderID  string
	Email       string
	DisplayName string
	AvatarURL   string
}

// Resolve finds or creates the single account the assertion maps to.
// Match order: provider id, then normalized email (account-linking), then a
// fresh record. A write that loses a uniqueness race is retried once; the
// second pass then lands on the provider or email match deterministically.
func (s *IdentityService) Resolve(ctx context.Context, input ResolveInput) (domain.Account, error) {
	account, err := s.resolveOnce(ctx, input)
	if errors.Is(err, ErrWriteConflict) {
		s.logger.Warn("identity resolve conflict, retrying",
			zap.String("provider_id", input.ProviderID))
		return s.resolveOnce(ctx, input)
	}
	return account, err
}

func (s *IdentityService) resolveOnce(ctx context.Context, input ResolveInput) (domain.Account, error) {
	providerID := strings.TrimSpace(input.ProviderID)
	emailAddr := normalizeEmail(input.Email)
	if providerID == "" {
		return domain.Account{}, ErrIdentityAmbiguous
	}

	account, err := s.accounts.GetByProviderID(ctx, providerID)
	if err == nil {
		// Repeat sign-in: pure match, zero writes.
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Account{}, err
	}

	if emailAddr == "" {
		return domain.Account{}, ErrIdentityAmbiguous
	}

	account, err = s.accounts.GetByEmail(ctx, emailAddr)
	if err == nil {
		// Account linking: the upstream provider vouched for this email,
		// so the assertion takes over the existing record.
		if err := s.accounts.LinkProvider(ctx, account.ID, providerID, input.AvatarURL); err != nil {
			return domain.Account{}, mapConflict(err)
		}
		account.ProviderID = providerID
		account.Verified = true
		if account.AvatarURL == "" {
			account.AvatarURL = input.AvatarURL
		}
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Account{}, err
	}

	seed := input.DisplayName
	if strings.TrimSpace(seed) == "" {
		seed = emailLocalPart(emailAddr)
	}
	handle, err := s.allocator.Allocate(ctx, seed)
	if err != nil {
		return domain.Account{}, err
	}

	account = domain.Account{
		ID:         uuid.NewString(),
		Email:      emailAddr,
		Handle:     handle,
		ProviderID: providerID,
		Verified:   true,
		AvatarURL:  input.AvatarURL,
		Role:       domain.RoleMember,
		Online:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return domain.Account{}, mapConflict(err)
	}
	return account, nil
}

// Register creates an account on the password path, pending verification.
func (s *IdentityService) Register(ctx context.Context, emailAddr, displayName, password string) (domain.Account, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return domain.Account{}, ErrInvalidEmail
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return domain.Account{}, ErrInvalidCredentials
	}

	if _, err := s.accounts.GetByEmail(ctx, emailAddr); err == nil {
		return domain.Account{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return domain.Account{}, err
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Account{}, err
	}

	seed := displayName
	if strings.TrimSpace(seed) == "" {
		seed = emailLocalPart(emailAddr)
	}
	handle, err := s.allocator.Allocate(ctx, seed)
	if err != nil {
		return domain.Account{}, err
	}

	account := domain.Account{
		ID:           uuid.NewString(),
		Email:        emailAddr,
		Handle:       handle,
		PasswordHash: string(hashBytes),
		Role:         domain.RoleMember,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return domain.Account{}, mapConflict(err)
	}
	return account, nil
}

// Authenticate checks password credentials. Only verified accounts may log in.
func (s *IdentityService) Authenticate(ctx context.Context, emailAddr, password string) (domain.Account, error) {
	emailAddr = normalizeEmail(emailAddr)
	password = strings.TrimSpace(password)
	if emailAddr == "" || password == "" {
		return domain.Account{}, ErrInvalidCredentials
	}

	account, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Account{}, ErrInvalidCredentials
		}
		return domain.Account{}, err
	}
	if account.PasswordHash == "" {
		return domain.Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return domain.Account{}, ErrInvalidCredentials
	}
	if !account.Verified {
		return domain.Account{}, ErrAccountNotVerified
	}

	if err := s.accounts.SetOnline(ctx, account.ID, true); err != nil {
		s.logger.Warn("set online failed", zap.Error(err), zap.String("account_id", account.ID))
	} else {
		account.Online = true
	}
	return account, nil
}

// Profile returns the account snapshot behind a valid token.
func (s *IdentityService) Profile(ctx context.Context, id string) (domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Account{}, ErrAccountNotFound
	}
	return account, err
}

func mapConflict(err error) error {
	if errors.Is(err, repository.ErrUniqueViolation) {
		return ErrWriteConflict
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailLocalPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
