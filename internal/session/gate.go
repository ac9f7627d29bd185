package session

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
)

// Dialer opens the realtime connection for a given access token.
type Dialer interface {
	Dial(ctx context.Context, token string) (io.Closer, error)
}

// Gate keeps exactly one realtime connection alive while a token exists.
// A token change always tears the connection down and dials again with the
// new credentials; the gate never swaps credentials on a live connection.
type Gate struct {
	logger     *zap.Logger
	store      *Store
	dialer     Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewGate(logger *zap.Logger, store *Store, dialer Dialer) *Gate {
	return &Gate{
		logger:     logger,
		store:      store,
		dialer:     dialer,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run drives the connection lifecycle until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	id, events := g.store.Subscribe()
	defer g.store.Unsubscribe(id)

	sess, err := g.store.Read()
	if err != nil {
		sess = Session{}
	}

	var (
		conn      io.Closer
		connToken string
		backoff   = g.minBackoff
		retry     <-chan time.Time
	)
	closeConn := func() {
		if conn != nil {
			_ = conn.Close()
			conn = nil
			connToken = ""
		}
	}
	defer closeConn()

	for {
		if sess.Token == "" {
			closeConn()
			retry = nil
			backoff = g.minBackoff
		} else if conn != nil && connToken != sess.Token {
			g.logger.Info("token changed, reconnecting")
			closeConn()
		}

		if sess.Token != "" && conn == nil && retry == nil {
			c, err := g.dialer.Dial(ctx, sess.Token)
			if err != nil {
				g.logger.Warn("realtime dial failed", zap.Error(err), zap.Duration("backoff", backoff))
				retry = time.After(backoff)
				backoff *= 2
				if backoff > g.maxBackoff {
					backoff = g.maxBackoff
				}
			} else {
				conn = c
				connToken = sess.Token
				backoff = g.minBackoff
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry:
			retry = nil
		case next, ok := <-events:
			if !ok {
				return nil
			}
			sess = next
			retry = nil
		}
	}
}
