package auth

import (
	"net/url"
	"strings"
)

// Scheme is the literal tag every authentication value starts with.
const Scheme = "IW1-HMAC-SHA256"

// Header is a parsed authentication value.
type Header struct {
	APIKey    string
	DateTime  string
	Nonce     string
	Signature string
}

// ParseHeader decodes `IW1-HMAC-SHA256 ApiKey=..,DateTime=..,Nonce=..,Signature=..`.
// All four fields are mandatory.
func ParseHeader(value string) (Header, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, Scheme) {
		return Header{}, newError(KindMalformedHeader, "missing scheme")
	}
	rest := strings.TrimSpace(strings.TrimPrefix(value, Scheme))
	if rest == "" {
		return Header{}, newError(KindMalformedHeader, "empty parameter list")
	}

	fields := make(map[string]string, 4)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Header{}, newError(KindMalformedHeader, "parameter without value: "+part)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	h := Header{
		APIKey:    fields["ApiKey"],
		DateTime:  fields["DateTime"],
		Nonce:     fields["Nonce"],
		Signature: fields["Signature"],
	}
	if h.APIKey == "" || h.DateTime == "" || h.Nonce == "" || h.Signature == "" {
		return Header{}, newError(KindMalformedHeader, "ApiKey, DateTime, Nonce and Signature are required")
	}
	return h, nil
}

// String renders the header in its wire form.
func (h Header) String() string {
	return Scheme + " ApiKey=" + h.APIKey +
		",DateTime=" + h.DateTime +
		",Nonce=" + h.Nonce +
		",Signature=" + h.Signature
}

// DecodeQueryValue restores an authentication value carried as a raw query
// parameter: '+' becomes a space first, then percent escapes are decoded.
func DecodeQueryValue(raw string) (string, error) {
	decoded, err := url.PathUnescape(strings.ReplaceAll(raw, "+", " "))
	if err != nil {
		return "", newError(KindMalformedHeader, "invalid query encoding")
	}
	return decoded, nil
}

// EncodeQueryValue is the inverse of DecodeQueryValue.
func EncodeQueryValue(value string) string {
	return url.QueryEscape(value)
}
