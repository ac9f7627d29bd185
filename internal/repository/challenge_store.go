package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-identity/internal/domain"
)

// ChallengeStore persists one-time-code challenges keyed by (email, purpose).
// Put supersedes any prior challenge for the pair. DecrementAttempts must be
// atomic: two concurrent failed attempts may never observe the same
// remaining count.
type ChallengeStore interface {
	Put(ctx context.Context, challenge domain.Challenge) error
	Get(ctx context.Context, email string, purpose domain.ChallengePurpose) (domain.Challenge, error)
	DecrementAttempts(ctx context.Context, email string, purpose domain.ChallengePurpose) (int, error)
	MarkState(ctx context.Context, email string, purpose domain.ChallengePurpose, state domain.ChallengeState) error
}

// PgChallengeStore implements ChallengeStore on Postgres.
type PgChallengeStore struct {
	pool *pgxpool.Pool
}

func NewPgChallengeStore(pool *pgxpool.Pool) *PgChallengeStore {
	return &PgChallengeStore{pool: pool}
}

func (s *PgChallengeStore) Put(ctx context.Context, c domain.Challenge) error {
	const query = `
		INSERT INTO challenges (email, purpose, code_hash, remaining_attempts, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email, purpose) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			remaining_attempts = EXCLUDED.remaining_attempts,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.pool.Exec(ctx, query,
		c.Email,
		c.Purpose,
		c.CodeHash,
		c.RemainingAttempts,
		c.State,
		c.CreatedAt,
		c.ExpiresAt,
	)
	return err
}

func (s *PgChallengeStore) Get(ctx context.Context, email string, purpose domain.ChallengePurpose) (domain.Challenge, error) {
	const query = `
		SELECT email, purpose, code_hash, remaining_attempts, state, created_at, expires_at
		FROM challenges
		WHERE email = $1 AND purpose = $2
	`
	var c domain.Challenge
	err := s.pool.QueryRow(ctx, query, email, purpose).Scan(
		&c.Email,
		&c.Purpose,
		&c.CodeHash,
		&c.RemainingAttempts,
		&c.State,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Challenge{}, ErrNotFound
	}
	return c, err
}

func (s *PgChallengeStore) DecrementAttempts(ctx context.Context, email string, purpose domain.ChallengePurpose) (int, error) {
	const query = `
		UPDATE challenges
		SET remaining_attempts = GREATEST(remaining_attempts - 1, 0)
		WHERE email = $1 AND purpose = $2 AND state = 'active'
		RETURNING remaining_attempts
	`
	var remaining int
	err := s.pool.QueryRow(ctx, query, email, purpose).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return remaining, err
}

func (s *PgChallengeStore) MarkState(ctx context.Context, email string, purpose domain.ChallengePurpose, state domain.ChallengeState) error {
	const query = `UPDATE challenges SET state = $3 WHERE email = $1 AND purpose = $2`
	_, err := s.pool.Exec(ctx, query, email, purpose, state)
	return err
}
