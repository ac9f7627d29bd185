package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chat-identity/internal/domain"
	"chat-identity/internal/repository"
)

type mockAccountRepo struct {
	byID       map[string]domain.Account
	byEmail    map[string]string
	byProvider map[string]string
	byHandle   map[string]string

	writes     int
	createHook func(account domain.Account) error
}

func newMockAccountRepo() *mockAccountRepo {
	return &mockAccountRepo{
		byID:       make(map[string]domain.Account),
		byEmail:    make(map[string]string),
		byProvider: make(map[string]string),
		byHandle:   make(map[string]string),
	}
}

func (m *mockAccountRepo) Create(_ context.Context, account domain.Account) error {
	m.writes++
	if m.createHook != nil {
		hook := m.createHook
		m.createHook = nil
		if err := hook(account); err != nil {
			return err
		}
	}
	if m.byEmail[account.Email] != "" || m.byHandle[account.Handle] != "" {
		return repository.ErrUniqueViolation
	}
	if account.ProviderID != "" && m.byProvider[account.ProviderID] != "" {
		return repository.ErrUniqueViolation
	}
	m.index(account)
	return nil
}

func (m *mockAccountRepo) index(account domain.Account) {
	m.byID[account.ID] = account
	m.byEmail[account.Email] = account.ID
	m.byHandle[account.Handle] = account.ID
	if account.ProviderID != "" {
		m.byProvider[account.ProviderID] = account.ID
	}
}

func (m *mockAccountRepo) GetByID(_ context.Context, id string) (domain.Account, error) {
	account, ok := m.byID[id]
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return account, nil
}

func (m *mockAccountRepo) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	id, ok := m.byEmail[email]
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *mockAccountRepo) GetByProviderID(ctx context.Context, providerID string) (domain.Account, error) {
	id, ok := m.byProvider[providerID]
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *mockAccountRepo) HandleExists(_ context.Context, handle string) (bool, error) {
	return m.byHandle[handle] != "", nil
}

func (m *mockAccountRepo) LinkProvider(_ context.Context, id, providerID, avatarURL string) error {
	m.writes++
	account, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if other := m.byProvider[providerID]; other != "" && other != id {
		return repository.ErrUniqueViolation
	}
	account.ProviderID = providerID
	account.Verified = true
	if account.AvatarURL == "" {
		account.AvatarURL = avatarURL
	}
	m.index(account)
	return nil
}

func (m *mockAccountRepo) SetVerified(_ context.Context, id string) error {
	m.writes++
	account, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	account.Verified = true
	m.byID[id] = account
	return nil
}

func (m *mockAccountRepo) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.writes++
	account, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	account.PasswordHash = passwordHash
	m.byID[id] = account
	return nil
}

func (m *mockAccountRepo) SetOnline(_ context.Context, id string, online bool) error {
	account, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	account.Online = online
	m.byID[id] = account
	return nil
}

func newIdentityService(repo *mockAccountRepo) *IdentityService {
	return NewIdentityService(zap.NewNop(), repo, NewHandleAllocator(repo))
}

func TestIdentityResolveIsIdempotent(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	input := ResolveInput{
		ProviderID:  "prov-1",
		Email:       "User@Example.com",
		DisplayName: "Test User",
	}
	first, err := svc.Resolve(context.Background(), input)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if !first.Verified || !first.Online {
		t.Fatalf("expected new account verified and online, got %+v", first)
	}
	if first.Email != "user@example.com" {
		t.Fatalf("expected normalized email, got %q", first.Email)
	}

	writesAfterFirst := repo.writes
	second, err := svc.Resolve(context.Background(), input)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same account id, got %q vs %q", second.ID, first.ID)
	}
	if repo.writes != writesAfterFirst {
		t.Fatalf("expected zero writes on repeat sign-in, got %d extra", repo.writes-writesAfterFirst)
	}
}

func TestIdentityResolveLinksExistingByEmail(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	existing := domain.Account{
		ID:        "a1",
		Email:     "user@example.com",
		Handle:    "originalhandle",
		Role:      domain.RoleMember,
		CreatedAt: time.Now().UTC(),
	}
	repo.index(existing)

	res, err := svc.Resolve(context.Background(), ResolveInput{
		ProviderID: "prov-7",
		Email:      "user@example.com",
		AvatarURL:  "https://cdn/avatar.png",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.ID != "a1" {
		t.Fatalf("expected existing account, got %q", res.ID)
	}
	if res.ProviderID != "prov-7" || !res.Verified {
		t.Fatalf("expected provider linked and verified, got %+v", res)
	}
	if res.Handle != "originalhandle" {
		t.Fatalf("expected handle preserved, got %q", res.Handle)
	}
	if res.AvatarURL != "https://cdn/avatar.png" {
		t.Fatalf("expected avatar filled from hint, got %q", res.AvatarURL)
	}

	stored, _ := repo.GetByID(context.Background(), "a1")
	if stored.ProviderID != "prov-7" || !stored.Verified {
		t.Fatalf("expected link persisted, got %+v", stored)
	}
}

func TestIdentityResolveKeepsExistingAvatar(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	repo.index(domain.Account{
		ID:        "a1",
		Email:     "user@example.com",
		Handle:    "h1",
		AvatarURL: "https://cdn/current.png",
	})

	res, err := svc.Resolve(context.Background(), ResolveInput{
		ProviderID: "prov-1",
		Email:      "user@example.com",
		AvatarURL:  "https://cdn/hint.png",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.AvatarURL != "https://cdn/current.png" {
		t.Fatalf("expected existing avatar kept, got %q", res.AvatarURL)
	}
}

func TestIdentityResolveRejectsMissingEmail(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	_, err := svc.Resolve(context.Background(), ResolveInput{ProviderID: "prov-1"})
	if !errors.Is(err, ErrIdentityAmbiguous) {
		t.Fatalf("expected ErrIdentityAmbiguous, got %v", err)
	}
}

func TestIdentityResolveRetriesOnceOnConflict(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	// A concurrent resolver wins the insert race; the retry must land on
	// the provider match instead of failing.
	repo.createHook = func(account domain.Account) error {
		winner := account
		winner.ID = "winner"
		repo.index(winner)
		return repository.ErrUniqueViolation
	}

	res, err := svc.Resolve(context.Background(), ResolveInput{
		ProviderID:  "prov-race",
		Email:       "race@example.com",
		DisplayName: "Race",
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.ID != "winner" {
		t.Fatalf("expected the concurrent writer's account, got %q", res.ID)
	}
}

func TestIdentityRegisterCreatesUnverified(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	account, err := svc.Register(context.Background(), "new@example.com", "New User", "s3cret-pass")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if account.Verified {
		t.Fatalf("expected unverified account pending challenge")
	}
	if account.Handle != "newuser" {
		t.Fatalf("expected handle newuser, got %q", account.Handle)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("s3cret-pass")) != nil {
		t.Fatalf("expected bcrypt hash of password")
	}

	if _, err := svc.Register(context.Background(), "new@example.com", "Other", "pw"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestIdentityAuthenticate(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newIdentityService(repo)

	if _, err := svc.Register(context.Background(), "user@example.com", "", "s3cret-pass"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), "user@example.com", "s3cret-pass"); !errors.Is(err, ErrAccountNotVerified) {
		t.Fatalf("expected ErrAccountNotVerified before challenge, got %v", err)
	}

	id := repo.byEmail["user@example.com"]
	if err := repo.SetVerified(context.Background(), id); err != nil {
		t.Fatalf("set verified failed: %v", err)
	}

	account, err := svc.Authenticate(context.Background(), "User@Example.com ", "s3cret-pass")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if !account.Online {
		t.Fatalf("expected account online after login")
	}

	if _, err := svc.Authenticate(context.Background(), "user@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "ghost@example.com", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}
