package service

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const (
	handleMaxLen    = 20
	handleMaxProbes = 1000
	handleFallback  = "user"
)

// HandleStore is the slice of account persistence the allocator probes.
type HandleStore interface {
	HandleExists(ctx context.Context, handle string) (bool, error)
}

// HandleAllocator derives a collision-free display handle from a
// human-readable seed. The existence probe is a cheap check only: the
// uniqueness index on the accounts table stays authoritative, and callers
// must retry allocation when a write loses that race.
type HandleAllocator struct {
	store HandleStore
}

func NewHandleAllocator(store HandleStore) *HandleAllocator {
	return &HandleAllocator{store: store}
}

// Allocate returns the first free handle in the sequence base, base1,
// base2, ... After handleMaxProbes probes it appends the current
// high-resolution timestamp so the loop always terminates.
func (a *HandleAllocator) Allocate(ctx context.Context, seed string) (string, error) {
	base := normalizeHandle(seed)

	for i := 0; i < handleMaxProbes; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		exists, err := a.store.HandleExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}

	return base + strconv.FormatInt(time.Now().UnixNano(), 10), nil
}

func normalizeHandle(seed string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(seed) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == handleMaxLen {
			break
		}
	}
	if b.Len() == 0 {
		return handleFallback
	}
	return b.String()
}
