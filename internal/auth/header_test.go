package auth

import (
	"net/url"
	"testing"
	"time"
)

func TestParseHeaderRoundTrip(t *testing.T) {
	in := Header{APIKey: "k", DateTime: "20260301120000", Nonce: "abc", Signature: "ff00"}
	got, err := ParseHeader(in.String())
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if got != in {
		t.Fatalf("ParseHeader() = %+v, want %+v", got, in)
	}
}

func TestParseHeaderToleratesSpacing(t *testing.T) {
	got, err := ParseHeader(Scheme + "  ApiKey=k, DateTime=20260301120000 ,Nonce=n,Signature=aa")
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if got.DateTime != "20260301120000" || got.Nonce != "n" {
		t.Fatalf("unexpected header: %+v", got)
	}
}

func TestDecodeQueryValueMatchesHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	value := Sign(testCreds, "h", now, "q-nonce")

	raw := EncodeQueryValue(value)
	decoded, err := DecodeQueryValue(raw)
	if err != nil {
		t.Fatalf("DecodeQueryValue() error = %v", err)
	}
	if decoded != value {
		t.Fatalf("decoded = %q, want %q", decoded, value)
	}

	// url.PathEscape keeps the space as %20 rather than '+'; both must decode.
	decoded, err = DecodeQueryValue(url.PathEscape(value))
	if err != nil {
		t.Fatalf("DecodeQueryValue(path escaped) error = %v", err)
	}
	if decoded != value {
		t.Fatalf("decoded = %q, want %q", decoded, value)
	}

	v := newTestVerifier(now)
	defer v.Close()
	if err := v.Verify(decoded, "h"); err != nil {
		t.Fatalf("Verify(query value) error = %v", err)
	}
}

func TestDecodeQueryValueInvalidEscape(t *testing.T) {
	_, err := DecodeQueryValue("IW1-HMAC-SHA256+ApiKey%ZZ")
	if kind, _ := KindOf(err); kind != KindMalformedHeader {
		t.Fatalf("kind = %q, want %q", kind, KindMalformedHeader)
	}
}
