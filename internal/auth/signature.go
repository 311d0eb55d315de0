package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// DateTimeLayout is the 14-digit UTC timestamp carried in DateTime.
	DateTimeLayout = "20060102150405"

	keyPrefix    = "IW1"
	methodName   = "ai.inworld.engine.WorldEngine/GenerateToken"
	tailConstant = "iw1_request"
)

// ComputeSignature runs the chained HMAC: every step's digest keys the next
// step. The result is the lowercase hex of the final digest.
func ComputeSignature(secret, dateTime, host, nonce string) string {
	key := []byte(keyPrefix + secret)
	for _, v := range []string{dateTime, host, methodName, nonce, tailConstant} {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(v))
		key = mac.Sum(nil)
	}
	return hex.EncodeToString(key)
}

// Sign builds a complete authentication value for host at time now.
func Sign(creds Credentials, host string, now time.Time, nonce string) string {
	dt := now.UTC().Format(DateTimeLayout)
	return Header{
		APIKey:    creds.APIKey,
		DateTime:  dt,
		Nonce:     nonce,
		Signature: ComputeSignature(creds.APISecret, dt, host, nonce),
	}.String()
}

// NewNonce returns a random 16 character token.
func NewNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
