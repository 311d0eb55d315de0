package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultReplayWindow bounds timestamp skew and nonce retention.
const DefaultReplayWindow = 5 * time.Minute

type ErrorKind string

const (
	KindMalformedHeader   ErrorKind = "malformed_header"
	KindNotConfigured     ErrorKind = "not_configured"
	KindAPIKeyMismatch    ErrorKind = "api_key_mismatch"
	KindSkewTooLarge      ErrorKind = "skew_too_large"
	KindNonceReplayed     ErrorKind = "nonce_replayed"
	KindSignatureMismatch ErrorKind = "signature_mismatch"
)

// Error is returned by Verify for every rejected value.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "auth: " + string(e.Kind)
	}
	return "auth: " + string(e.Kind) + ": " + e.Detail
}

func newError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// KindOf extracts the ErrorKind from err.
func KindOf(err error) (ErrorKind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithReplayWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Verifier checks authentication values against the configured credentials.
type Verifier struct {
	creds  *Credentials
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	// mu spans the nonce lookup, signature compare and nonce commit so two
	// requests carrying the same nonce cannot both pass.
	mu     sync.Mutex
	nonces *NonceCache
}

// NewVerifier builds a verifier. A nil creds makes every Verify fail with
// KindNotConfigured.
func NewVerifier(creds *Credentials, opts ...Option) *Verifier {
	v := &Verifier{
		creds:  creds,
		window: DefaultReplayWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.nonces = NewNonceCache(v.window)
	return v
}

// Configured reports whether credentials were loaded.
func (v *Verifier) Configured() bool {
	return v.creds != nil
}

// ReplayWindow returns the effective skew and nonce retention window.
func (v *Verifier) ReplayWindow() time.Duration {
	return v.window
}

// Verify validates value as presented by a peer that addressed host.
// It returns nil on success, otherwise an *Error.
func (v *Verifier) Verify(value, host string) error {
	err := v.verify(value, host)
	if err != nil {
		kind, _ := KindOf(err)
		v.logger.Debug("auth rejected", "kind", string(kind), "host", host)
	}
	return err
}

func (v *Verifier) verify(value, host string) error {
	h, err := ParseHeader(value)
	if err != nil {
		return err
	}
	if v.creds == nil {
		return newError(KindNotConfigured, "server credentials not configured")
	}
	if h.APIKey != v.creds.APIKey {
		return newError(KindAPIKeyMismatch, "")
	}

	now := v.now()
	ts, err := parseDateTime(h.DateTime)
	if err != nil {
		return err
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return newError(KindSkewTooLarge, skew.Truncate(time.Second).String())
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.nonces.Seen(h.Nonce) {
		return newError(KindNonceReplayed, "")
	}
	expected := ComputeSignature(v.creds.APISecret, h.DateTime, host, h.Nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(h.Signature))) != 1 {
		return newError(KindSignatureMismatch, "")
	}
	v.nonces.Commit(h.Nonce, now.UnixMilli())
	return nil
}

// Close forgets the nonces this verifier accepted. The backing store is
// shared per replay window and stays alive for the process.
func (v *Verifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nonces.Purge()
}

func parseDateTime(s string) (time.Time, error) {
	if len(s) != len(DateTimeLayout) {
		return time.Time{}, newError(KindMalformedHeader, "DateTime must be 14 digits")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, newError(KindMalformedHeader, "DateTime must be 14 digits")
		}
	}
	ts, err := time.ParseInLocation(DateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, newError(KindMalformedHeader, "invalid DateTime")
	}
	return ts, nil
}
