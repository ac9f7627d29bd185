package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockDialer struct {
	mu       sync.Mutex
	dials    chan string
	conns    []*mockConn
	failures int
}

func newMockDialer() *mockDialer {
	return &mockDialer{dials: make(chan string, 16)}
}

func (d *mockDialer) Dial(_ context.Context, token string) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials <- token
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := &mockConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func startGate(t *testing.T, store *Store, dialer Dialer) (context.CancelFunc, chan struct{}) {
	t.Helper()
	gate := NewGate(zap.NewNop(), store, dialer)
	gate.minBackoff = 5 * time.Millisecond
	gate.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gate.Run(ctx)
	}()
	return cancel, done
}

func waitDial(t *testing.T, dialer *mockDialer, wantToken string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case token := <-dialer.dials:
			if token == wantToken {
				return
			}
		case <-deadline:
			t.Fatalf("expected dial with token %q", wantToken)
		}
	}
}

func TestGateDialsWhenTokenPresent(t *testing.T) {
	store := NewStore(zap.NewNop(), NewMemoryStorage())
	defer store.Close()
	if err := store.Commit("tok-1", testProfile(true)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	dialer := newMockDialer()
	cancel, done := startGate(t, store, dialer)
	defer func() { cancel(); <-done }()

	waitDial(t, dialer, "tok-1")
}

func TestGateStaysIdleWithoutToken(t *testing.T) {
	store := NewStore(zap.NewNop(), NewMemoryStorage())
	defer store.Close()

	dialer := newMockDialer()
	cancel, done := startGate(t, store, dialer)
	defer func() { cancel(); <-done }()

	select {
	case token := <-dialer.dials:
		t.Fatalf("unexpected dial with token %q", token)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateReconnectsOnTokenChange(t *testing.T) {
	store := NewStore(zap.NewNop(), NewMemoryStorage())
	defer store.Close()
	if err := store.Commit("tok-1", testProfile(true)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	dialer := newMockDialer()
	cancel, done := startGate(t, store, dialer)
	defer func() { cancel(); <-done }()

	waitDial(t, dialer, "tok-1")

	if err := store.Commit("tok-2", testProfile(true)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	waitDial(t, dialer, "tok-2")

	first := dialer.conn(0)
	if first == nil || !first.isClosed() {
		t.Fatalf("expected first connection torn down before redial")
	}
}

func TestGateDisconnectsOnClear(t *testing.T) {
	store := NewStore(zap.NewNop(), NewMemoryStorage())
	defer store.Close()
	if err := store.Commit("tok-1", testProfile(true)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	dialer := newMockDialer()
	cancel, done := startGate(t, store, dialer)
	defer func() { cancel(); <-done }()

	waitDial(t, dialer, "tok-1")

	if err := store.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		first := dialer.conn(0)
		if first != nil && first.isClosed() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected connection closed after clear")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case token := <-dialer.dials:
		t.Fatalf("unexpected redial with token %q", token)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateRetriesWithBackoff(t *testing.T) {
	store := NewStore(zap.NewNop(), NewMemoryStorage())
	defer store.Close()
	if err := store.Commit("tok-1", testProfile(true)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	dialer := newMockDialer()
	dialer.failures = 2
	cancel, done := startGate(t, store, dialer)
	defer func() { cancel(); <-done }()

	// Two refused attempts, then the third lands.
	waitDial(t, dialer, "tok-1")
	waitDial(t, dialer, "tok-1")
	waitDial(t, dialer, "tok-1")

	deadline := time.After(2 * time.Second)
	for dialer.conn(0) == nil {
		select {
		case <-deadline:
			t.Fatalf("expected a live connection after retries")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
