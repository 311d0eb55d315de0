package session

import "time"

// CreateRequest defines the optional payload for creating a session.
type CreateRequest struct {
	UserID  string `json:"userId"`
	VoiceID string `json:"voiceId"`
}

// CreateResponse carries the session key and its one-time upgrade token.
type CreateResponse struct {
	SessionKey string    `json:"sessionKey"`
	WSToken    string    `json:"wsToken"`
	ExpiresAt  time.Time `json:"expiresAt"`
	VoiceID    string    `json:"voiceId,omitempty"`
}
