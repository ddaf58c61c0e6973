package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"szakszon.com/divratio"
)

// State is everything a browser session shows. It is replaced as a whole
// after each action and never changed in place.
type State struct {
	Ticker  string            `json:"ticker"`
	Outcome *divratio.Outcome `json:"outcome,omitempty"`
	Updated time.Time         `json:"updated"`
}

// Store keeps one State per session id. Get returns a nil State and no
// error for an unknown or expired session.
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Put(ctx context.Context, id string, s *State) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state   *State
	expires time.Time
}

// NewMemoryStore returns a process-local Store. A zero ttl keeps sessions
// forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !e.expired(s.clock()) {
		return e.state, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a Put may have replaced the entry since the read
	e, ok = s.entries[id]
	if !ok {
		return nil, nil
	}
	if !e.expired(s.clock()) {
		return e.state, nil
	}
	delete(s.entries, id)
	return nil, nil
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

func (s *MemoryStore) Put(ctx context.Context, id string, st *State) error {
	e := memoryEntry{state: st}
	if s.ttl > 0 {
		e.expires = s.clock().Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return nil
}

type RedisStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisStore keeps states as JSON values under prefix+id.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "divratio-session-",
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	res, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decode(res)
}

func (s *RedisStore) Put(ctx context.Context, id string, st *State) error {
	b, err := encode(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(id), b, s.ttl).Err()
}

func encode(st *State) ([]byte, error) {
	return json.Marshal(st)
}

func decode(b []byte) (*State, error) {
	var st State
	err := json.Unmarshal(b, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
