package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	Key            string    `json:"session_key"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	VoiceID        string    `json:"voice_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	tokens            *TokenBroker
	onExpire          func(*Session)
	isLive            func(key string) bool
}

// NewManager tracks sessions and, when tokens is non-nil, sweeps its expired
// upgrade tokens from the janitor.
func NewManager(inactivityTimeout time.Duration, tokens *TokenBroker) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		tokens:            tokens,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetLiveCheck installs a predicate that reports whether key still has a
// connection attached. The janitor never expires a live session; it counts
// the sweep as activity instead.
func (m *Manager) SetLiveCheck(live func(key string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isLive = live
}

// Tokens returns the broker bound to this manager (may be nil).
func (m *Manager) Tokens() *TokenBroker {
	return m.tokens
}

func (m *Manager) Create(userID, voiceID string) *Session {
	return m.put(uuid.NewString(), userID, voiceID)
}

// Ensure returns the active session for key, creating it when absent or
// ended. Reusing an active session counts as activity.
func (m *Manager) Ensure(key, userID, voiceID string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok && s.Status == StatusActive {
		s.LastActivityAt = time.Now().UTC()
		c := clone(s)
		m.mu.Unlock()
		return c
	}
	m.mu.Unlock()
	return m.put(key, userID, voiceID)
}

func (m *Manager) put(key, userID, voiceID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		Key:            key,
		UserID:         userID,
		VoiceID:        voiceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Key] = s
	return clone(s)
}

func (m *Manager) Get(key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	if m.tokens != nil {
		m.tokens.Revoke(key)
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
				if m.tokens != nil {
					m.tokens.Cleanup(time.Now())
				}
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for key, s := range m.sessions {
		if s.Status != StatusActive {
			// Ended sessions are kept for one more inactivity period, then dropped.
			if now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, key)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if m.isLive != nil && m.isLive(key) {
			s.LastActivityAt = now
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
