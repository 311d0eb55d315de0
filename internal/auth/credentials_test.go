package auth

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestLoadCredentials(t *testing.T) {
	c, err := LoadCredentials(base64.StdEncoding.EncodeToString([]byte("id:se:cret")))
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if c.APIKey != "id" || c.APISecret != "se:cret" {
		t.Fatalf("credentials = %+v", c)
	}
	if got, _ := LoadCredentials(c.Encode()); *got != *c {
		t.Fatalf("Encode round trip = %+v, want %+v", got, c)
	}
}

func TestLoadCredentialsErrors(t *testing.T) {
	if _, err := LoadCredentials("  "); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("empty err = %v, want %v", err, ErrCredentialsMissing)
	}
	for _, in := range []string{"%%%", base64.StdEncoding.EncodeToString([]byte("nocolon")), base64.StdEncoding.EncodeToString([]byte(":secret"))} {
		if _, err := LoadCredentials(in); !errors.Is(err, ErrCredentialsMalformed) {
			t.Fatalf("LoadCredentials(%q) err = %v, want %v", in, err, ErrCredentialsMalformed)
		}
	}
}
