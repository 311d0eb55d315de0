package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTokenTTL is how long an issued upgrade token stays redeemable.
const DefaultTokenTTL = 5 * time.Minute

// Token authorizes exactly one streaming connection for a session.
type Token struct {
	SessionKey string    `json:"session_key"`
	Value      string    `json:"ws_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TokenBroker issues and redeems single-use upgrade tokens.
type TokenBroker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]Token
}

func NewTokenBroker(ttl time.Duration) *TokenBroker {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenBroker{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

// SetClock replaces the time source used by Issue.
func (b *TokenBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// Issue creates a token for sessionKey, replacing any earlier one.
func (b *TokenBroker) Issue(sessionKey string) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := Token{
		SessionKey: sessionKey,
		Value:      uuid.NewString(),
		ExpiresAt:  b.now().Add(b.ttl),
	}
	b.tokens[sessionKey] = t
	return t
}

// Redeem consumes the token for sessionKey. A matching record is removed in
// the same critical section as the check, expired or not, so it can never
// succeed twice. A mismatching value leaves the record alone.
func (b *TokenBroker) Redeem(sessionKey, value string, now time.Time) bool {
	if sessionKey == "" || value == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tokens[sessionKey]
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(t.Value), []byte(value)) != 1 {
		return false
	}
	delete(b.tokens, sessionKey)
	return now.Before(t.ExpiresAt)
}

// Cleanup drops tokens that expired without being redeemed.
func (b *TokenBroker) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, t := range b.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(b.tokens, key)
			removed++
		}
	}
	return removed
}

// Revoke removes any outstanding token for sessionKey.
func (b *TokenBroker) Revoke(sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, sessionKey)
}

func (b *TokenBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}
