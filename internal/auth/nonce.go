package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Each expirable LRU runs a cleanup goroutine for the life of the process, so
// caches are shared per window and every NonceCache is a scoped view of one.
var (
	sharedMu     sync.Mutex
	sharedNonces = map[time.Duration]*expirable.LRU[string, int64]{}
)

func sharedNonceStore(window time.Duration) *expirable.LRU[string, int64] {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	store, ok := sharedNonces[window]
	if !ok {
		store = expirable.NewLRU[string, int64](0, nil, window)
		sharedNonces[window] = store
	}
	return store
}

// NonceCache remembers accepted nonces for the replay window. Entries expire
// on their own once older than the window; there is no size cap, so a young
// nonce is never pushed out early.
type NonceCache struct {
	scope string
	seen  *expirable.LRU[string, int64]
}

func NewNonceCache(window time.Duration) *NonceCache {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &NonceCache{
		scope: uuid.NewString() + "/",
		seen:  sharedNonceStore(window),
	}
}

// Seen reports whether nonce was committed within the window.
func (c *NonceCache) Seen(nonce string) bool {
	return c.seen.Contains(c.scope + nonce)
}

// Commit records nonce with its first-seen time in unix milliseconds.
func (c *NonceCache) Commit(nonce string, atMillis int64) {
	c.seen.Add(c.scope+nonce, atMillis)
}

// FirstSeen returns the commit time of nonce, if still retained.
func (c *NonceCache) FirstSeen(nonce string) (int64, bool) {
	return c.seen.Peek(c.scope + nonce)
}

func (c *NonceCache) Len() int {
	n := 0
	for _, k := range c.seen.Keys() {
		if strings.HasPrefix(k, c.scope) {
			n++
		}
	}
	return n
}

// Purge drops every record of this cache. Other caches on the same window
// are untouched.
func (c *NonceCache) Purge() {
	for _, k := range c.seen.Keys() {
		if strings.HasPrefix(k, c.scope) {
			c.seen.Remove(k)
		}
	}
}
