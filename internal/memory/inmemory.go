package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMaxSessions        = 1024
	DefaultMaxTurnsPerSession = 200
)

// InMemoryStore keeps transcripts in process for local/dev use. The least
// recently written sessions are evicted once MaxSessions is reached.
type InMemoryStore struct {
	// mu serializes read-modify-write of a session's slice; the cache itself
	// is already safe for concurrent use.
	mu            sync.Mutex
	sessions      *lru.Cache[string, []TurnRecord]
	maxPerSession int
}

func NewInMemoryStore() *InMemoryStore {
	return NewBoundedInMemoryStore(DefaultMaxSessions, DefaultMaxTurnsPerSession)
}

func NewBoundedInMemoryStore(maxSessions, maxPerSession int) *InMemoryStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxTurnsPerSession
	}
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[string, []TurnRecord](maxSessions)
	return &InMemoryStore{sessions: cache, maxPerSession: maxPerSession}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.sessions.Get(record.SessionKey)
	start := max(len(prev)+1-s.maxPerSession, 0)
	next := make([]TurnRecord, 0, len(prev)-start+1)
	next = append(next, prev[start:]...)
	next = append(next, record)
	s.sessions.Add(record.SessionKey, next)
	return nil
}

// RecentContext returns up to limit turns in chronological order; limit <= 0
// returns the whole retained transcript.
func (s *InMemoryStore) RecentContext(_ context.Context, sessionKey string, limit int) ([]TurnRecord, error) {
	arr, ok := s.sessions.Peek(sessionKey)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

// Forget drops a session's transcript.
func (s *InMemoryStore) Forget(sessionKey string) {
	s.sessions.Remove(sessionKey)
}

// Sessions reports how many transcripts are held.
func (s *InMemoryStore) Sessions() int { return s.sessions.Len() }

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error {
	s.sessions.Purge()
	return nil
}
