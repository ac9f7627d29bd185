package session

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chat-identity/internal/domain"
)

const (
	tokenKey   = "auth.token"
	profileKey = "auth.profile"
)

// ErrStorageCorrupt reports that the persisted profile could not be decoded.
// The store clears both keys before returning it, so the session reads as
// absent on the next call.
var ErrStorageCorrupt = errors.New("stored session corrupt")

// Session is the locally cached view of an authenticated account.
type Session struct {
	Token   string
	Profile domain.Account
}

// Store keeps the local auth state consistent with its backing storage and
// fans change notifications out to in-process subscribers. External storage
// changes are treated as wake-ups: the store always re-reads before notifying.
type Store struct {
	mu      sync.Mutex
	logger  *zap.Logger
	storage Storage
	subs    map[int]chan Session
	nextSub int
	done    chan struct{}
	once    sync.Once
}

func NewStore(logger *zap.Logger, storage Storage) *Store {
	s := &Store{
		logger:  logger,
		storage: storage,
		subs:    make(map[int]chan Session),
		done:    make(chan struct{}),
	}
	go s.watchStorage()
	return s
}

// Commit persists a fresh token and profile. The token lands first so a
// reader that races the write sees a token without a profile, never a
// profile without its token.
func (s *Store) Commit(token string, profile domain.Account) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.storage.Set(tokenKey, token); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.storage.Set(profileKey, string(raw)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Session{Token: token, Profile: profile})
	return nil
}

// Clear drops the session. The token goes first so authentication flips off
// before the stale profile disappears.
func (s *Store) Clear() error {
	s.mu.Lock()
	if err := s.storage.Delete(tokenKey); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.storage.Delete(profileKey); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Session{})
	return nil
}

// Read returns the current session. A profile that fails to decode clears
// both keys and reports ErrStorageCorrupt; the session is then absent.
func (s *Store) Read() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (Session, error) {
	token, _, err := s.storage.Get(tokenKey)
	if err != nil {
		return Session{}, err
	}
	rawProfile, ok, err := s.storage.Get(profileKey)
	if err != nil {
		return Session{}, err
	}

	sess := Session{Token: token}
	if !ok || rawProfile == "" {
		return sess, nil
	}
	if err := json.Unmarshal([]byte(rawProfile), &sess.Profile); err != nil {
		_ = s.storage.Delete(tokenKey)
		_ = s.storage.Delete(profileKey)
		s.logger.Warn("cleared corrupt session state", zap.Error(err))
		return Session{}, ErrStorageCorrupt
	}
	return sess, nil
}

// Authenticated reports whether a token is present and the cached profile
// has passed verification.
func (s *Store) Authenticated() bool {
	sess, err := s.Read()
	if err != nil {
		return false
	}
	return sess.Token != "" && sess.Profile.Verified
}

// Subscribe registers a change listener. Each event carries the session as
// re-read from storage at notification time; duplicates are possible.
func (s *Store) Subscribe() (int, <-chan Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Session, 1)
	s.subs[id] = ch
	return id, ch
}

func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Close stops watching the backing storage.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) watchStorage() {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.storage.Watch():
			if !ok {
				return
			}
			s.mu.Lock()
			sess, err := s.readLocked()
			s.mu.Unlock()
			if err != nil {
				sess = Session{}
			}
			s.notify(sess)
		}
	}
}

func (s *Store) notify(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		// Drop the stale event if the subscriber has not drained yet; it
		// will re-read the latest state from the replacement.
		select {
		case ch <- sess:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sess:
			default:
			}
		}
	}
}
