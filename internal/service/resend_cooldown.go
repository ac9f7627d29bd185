package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownGuard tracks the minimum interval between successive challenge
// issuances for the same (email, purpose). Arm starts the window
// unconditionally; TryArm starts it only if no window is running and
// otherwise reports how long the caller must wait.
type CooldownGuard interface {
	Arm(ctx context.Context, key string) error
	TryArm(ctx context.Context, key string) (time.Duration, bool, error)
}

type memoryCooldownGuard struct {
	mu     sync.Mutex
	window time.Duration
	until  map[string]time.Time
}

// NewMemoryCooldownGuard creates an in-process cooldown guard.
func NewMemoryCooldownGuard(window time.Duration) CooldownGuard {
	if window <= 0 {
		window = time.Minute
	}
	return &memoryCooldownGuard{
		window: window,
		until:  make(map[string]time.Time),
	}
}

func (g *memoryCooldownGuard) Arm(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.until[key] = time.Now().UTC().Add(g.window)
	return nil
}

func (g *memoryCooldownGuard) TryArm(_ context.Context, key string) (time.Duration, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UTC()
	if deadline, ok := g.until[key]; ok && now.Before(deadline) {
		return deadline.Sub(now), false, nil
	}
	g.until[key] = now.Add(g.window)
	return 0, true, nil
}

const redisCooldownScript = `
local ok = redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1])
if ok then
  return -1
end
return redis.call("PTTL", KEYS[1])
`

type redisCooldownClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisCooldownGuard struct {
	client redisCooldownClient
	window time.Duration
	prefix string
}

// NewRedisCooldownGuard creates a cooldown guard shared across instances.
func NewRedisCooldownGuard(client *redis.Client, window time.Duration) CooldownGuard {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisCooldownGuard{
		client: client,
		window: window,
		prefix: "otp:cooldown:",
	}
}

func (g *redisCooldownGuard) Arm(ctx context.Context, key string) error {
	return g.client.Set(ctx, g.prefix+key, "1", g.window).Err()
}

func (g *redisCooldownGuard) TryArm(ctx context.Context, key string) (time.Duration, bool, error) {
	ms, err := g.client.Eval(ctx, redisCooldownScript, []string{g.prefix + key}, g.window.Milliseconds()).Int64()
	if err != nil {
		// Fail open when redis is unreachable.
		return 0, true, err
	}
	if ms < 0 {
		return 0, true, nil
	}
	return time.Duration(ms) * time.Millisecond, false, nil
}
