package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-identity/internal/domain"
)

// Expired keys are reaped by redis itself; a small grace keeps records
// readable long enough for the lazy expiry check to mark them terminal.
const redisChallengeGrace = time.Minute

const redisDecrementScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local left = redis.call("HINCRBY", KEYS[1], "remaining_attempts", -1)
if left < 0 then
  redis.call("HSET", KEYS[1], "remaining_attempts", 0)
  left = 0
end
return left
`

// RedisChallengeStore implements ChallengeStore on redis hashes with native
// TTL eviction.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	if client == nil {
		return nil
	}
	return &RedisChallengeStore{
		client: client,
		prefix: "otp:challenge:",
	}
}

func (s *RedisChallengeStore) key(email string, purpose domain.ChallengePurpose) string {
	return s.prefix + email + "|" + string(purpose)
}

func (s *RedisChallengeStore) Put(ctx context.Context, c domain.Challenge) error {
	key := s.key(c.Email, c.Purpose)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"email", c.Email,
		"purpose", string(c.Purpose),
		"code_hash", c.CodeHash,
		"remaining_attempts", strconv.Itoa(c.RemainingAttempts),
		"state", string(c.State),
		"created_at", strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		"expires_at", strconv.FormatInt(c.ExpiresAt.UnixNano(), 10),
	)
	pipe.ExpireAt(ctx, key, c.ExpiresAt.Add(redisChallengeGrace))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisChallengeStore) Get(ctx context.Context, email string, purpose domain.ChallengePurpose) (domain.Challenge, error) {
	fields, err := s.client.HGetAll(ctx, s.key(email, purpose)).Result()
	if err != nil {
		return domain.Challenge{}, err
	}
	if len(fields) == 0 {
		return domain.Challenge{}, ErrNotFound
	}

	remaining, err := strconv.Atoi(fields["remaining_attempts"])
	if err != nil {
		return domain.Challenge{}, errors.New("corrupt challenge record")
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return domain.Challenge{}, errors.New("corrupt challenge record")
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return domain.Challenge{}, errors.New("corrupt challenge record")
	}

	return domain.Challenge{
		Email:             fields["email"],
		Purpose:           domain.ChallengePurpose(fields["purpose"]),
		CodeHash:          fields["code_hash"],
		RemainingAttempts: remaining,
		State:             domain.ChallengeState(fields["state"]),
		CreatedAt:         time.Unix(0, createdAt).UTC(),
		ExpiresAt:         time.Unix(0, expiresAt).UTC(),
	}, nil
}

func (s *RedisChallengeStore) DecrementAttempts(ctx context.Context, email string, purpose domain.ChallengePurpose) (int, error) {
	remaining, err := s.client.Eval(ctx, redisDecrementScript, []string{s.key(email, purpose)}).Int()
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

func (s *RedisChallengeStore) MarkState(ctx context.Context, email string, purpose domain.ChallengePurpose, state domain.ChallengeState) error {
	return s.client.HSet(ctx, s.key(email, purpose), "state", string(state)).Err()
}
