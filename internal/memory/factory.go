package memory

import (
	"context"
	"strings"
)

// Config selects and sizes the transcript store.
type Config struct {
	// DatabaseURL switches to PostgreSQL when set.
	DatabaseURL string
	// MaxSessions and MaxTurnsPerSession bound the in-memory store only.
	MaxSessions        int
	MaxTurnsPerSession int
}

// NewStore creates a postgres-backed store when configured, otherwise a
// bounded in-memory one.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return NewBoundedInMemoryStore(cfg.MaxSessions, cfg.MaxTurnsPerSession), nil
	}
	return NewPostgresStore(ctx, strings.TrimSpace(cfg.DatabaseURL))
}

// Forgetter is implemented by stores that can drop a session's transcript.
type Forgetter interface {
	Forget(sessionKey string)
}
