package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Storage persists session keys and signals when the stored data changed
// behind the process's back. Watch delivers wake-ups only; consumers re-read.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Watch() <-chan struct{}
	Close() error
}

type memoryStorage struct {
	mu    sync.Mutex
	data  map[string]string
	watch chan struct{}
}

// NewMemoryStorage creates an in-process storage. Every mutation produces a
// wake-up, mirroring how a shared backend reports changes from other writers.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		data:  make(map[string]string),
		watch: make(chan struct{}, 1),
	}
}

func (s *memoryStorage) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memoryStorage) Set(key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *memoryStorage) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *memoryStorage) Watch() <-chan struct{} {
	return s.watch
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStorage) wake() {
	select {
	case s.watch <- struct{}{}:
	default:
	}
}

type fileStorage struct {
	mu      sync.Mutex
	path    string
	data    map[string]string
	watch   chan struct{}
	done    chan struct{}
	lastMod time.Time
}

// NewFileStorage persists keys as a single JSON document and polls the file
// for writes made by other processes sharing it.
func NewFileStorage(path string, pollInterval time.Duration) (Storage, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	s := &fileStorage{
		path:  path,
		data:  make(map[string]string),
		watch: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.poll(pollInterval)
	return s, nil
}

func (s *fileStorage) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flush()
}

func (s *fileStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.flush()
}

func (s *fileStorage) Watch() <-chan struct{} {
	return s.watch
}

func (s *fileStorage) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *fileStorage) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err == nil {
		s.data = data
	}
	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

// flush writes the whole document via rename so readers never see a torn file.
func (s *fileStorage) flush() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

func (s *fileStorage) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			info, err := os.Stat(s.path)
			changed := err == nil && info.ModTime().After(s.lastMod)
			if changed {
				s.lastMod = info.ModTime()
				raw, err := os.ReadFile(s.path)
				if err == nil {
					data := make(map[string]string)
					if json.Unmarshal(raw, &data) == nil {
						s.data = data
					}
				}
			}
			s.mu.Unlock()
			if changed {
				select {
				case s.watch <- struct{}{}:
				default:
				}
			}
		}
	}
}
