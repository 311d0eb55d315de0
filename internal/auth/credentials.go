package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrCredentialsMissing is returned when no credential value was provided.
var ErrCredentialsMissing = errors.New("auth: credentials not provided")

// ErrCredentialsMalformed is returned when the value is not base64 of "key:secret".
var ErrCredentialsMalformed = errors.New("auth: credentials must be base64 of apiKey:apiSecret")

// Credentials is the single key pair the server accepts. Immutable once loaded.
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentials decodes a base64 "apiKey:apiSecret" pair.
func LoadCredentials(encoded string) (*Credentials, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrCredentialsMissing
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCredentialsMalformed
	}
	key, secret, ok := strings.Cut(string(raw), ":")
	if !ok || key == "" || secret == "" {
		return nil, ErrCredentialsMalformed
	}
	return &Credentials{APIKey: key, APISecret: secret}, nil
}

// Encode returns the base64 form accepted by LoadCredentials.
func (c Credentials) Encode() string {
	return base64.StdEncoding.EncodeToString([]byte(c.APIKey + ":" + c.APISecret))
}
