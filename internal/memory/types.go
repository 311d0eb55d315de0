package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord is one transcript line of a session.
type TurnRecord struct {
	ID            string    `json:"id"`
	SessionKey    string    `json:"session_key"`
	InteractionID string    `json:"interaction_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, sessionKey string, limit int) ([]TurnRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// History renders records as "role: content" lines, oldest first.
func History(records []TurnRecord) []string {
	if len(records) == 0 {
		return nil
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Role+": "+r.Content)
	}
	return out
}
