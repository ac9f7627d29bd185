package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-identity/internal/domain"
)

// AccountRepository defines the persistence contract for accounts.
// Email, handle and provider id carry unique indexes; writes that lose a
// race on any of them fail with ErrUniqueViolation.
type AccountRepository interface {
	Create(ctx context.Context, account domain.Account) error
	GetByID(ctx context.Context, id string) (domain.Account, error)
	GetByEmail(ctx context.Context, email string) (domain.Account, error)
	GetByProviderID(ctx context.Context, providerID string) (domain.Account, error)
	HandleExists(ctx context.Context, handle string) (bool, error)
	LinkProvider(ctx context.Context, id, providerID, avatarURL string) error
	SetVerified(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetOnline(ctx context.Context, id string, online bool) error
}

// PgAccountRepository implements AccountRepository using pgxpool.
type PgAccountRepository struct {
	pool *pgxpool.Pool
}

func NewPgAccountRepository(pool *pgxpool.Pool) *PgAccountRepository {
	return &PgAccountRepository{pool: pool}
}

const accountColumns = `id, email, handle, COALESCE(provider_id, ''), COALESCE(password_hash, ''), verified, COALESCE(avatar_url, ''), role, online, created_at, updated_at`

func (r *PgAccountRepository) Create(ctx context.Context, account domain.Account) error {
	const query = `
		INSERT INTO accounts (id, email, handle, provider_id, password_hash, verified, avatar_url, role, online, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		account.ID,
		account.Email,
		account.Handle,
		account.ProviderID,
		account.PasswordHash,
		account.Verified,
		account.AvatarURL,
		account.Role,
		account.Online,
		account.CreatedAt,
	)
	return mapWriteErr(err)
}

func (r *PgAccountRepository) GetByID(ctx context.Context, id string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

func (r *PgAccountRepository) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return r.scanOne(ctx, query, email)
}

func (r *PgAccountRepository) GetByProviderID(ctx context.Context, providerID string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE provider_id = $1`
	return r.scanOne(ctx, query, providerID)
}

func (r *PgAccountRepository) HandleExists(ctx context.Context, handle string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM accounts WHERE handle = $1)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, handle).Scan(&exists)
	return exists, err
}

// LinkProvider attaches an external provider id to an existing account in a
// single write: the trusted assertion also forces the verified flag, and the
// avatar hint fills in only when no avatar is set yet.
func (r *PgAccountRepository) LinkProvider(ctx context.Context, id, providerID, avatarURL string) error {
	const query = `
		UPDATE accounts
		SET provider_id = $2,
		    verified = TRUE,
		    avatar_url = COALESCE(NULLIF(avatar_url, ''), NULLIF($3, '')),
		    updated_at = $4
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, providerID, avatarURL, time.Now().UTC())
}

func (r *PgAccountRepository) SetVerified(ctx context.Context, id string) error {
	const query = `UPDATE accounts SET verified = TRUE, updated_at = $2 WHERE id = $1`
	return r.execOne(ctx, query, id, time.Now().UTC())
}

func (r *PgAccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, query, id, passwordHash, time.Now().UTC())
}

func (r *PgAccountRepository) SetOnline(ctx context.Context, id string, online bool) error {
	const query = `UPDATE accounts SET online = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, query, id, online, time.Now().UTC())
}

func (r *PgAccountRepository) scanOne(ctx context.Context, query string, arg any) (domain.Account, error) {
	var a domain.Account
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&a.ID,
		&a.Email,
		&a.Handle,
		&a.ProviderID,
		&a.PasswordHash,
		&a.Verified,
		&a.AvatarURL,
		&a.Role,
		&a.Online,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (r *PgAccountRepository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrUniqueViolation
	}
	return err
}
