package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESSealer(tt.key, "")
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("NewAESSealer() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAESSealer() unexpected error: %v", err)
			}
			if s.KeyID() != "default" {
				t.Errorf("KeyID() = %q, want default", s.KeyID())
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(testKey(t), "k1")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := SealString(s, "oauth-access-token")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if enc == "oauth-access-token" {
		t.Fatal("ciphertext equals plaintext")
	}
	again, _ := SealString(s, "oauth-access-token")
	if again == enc {
		t.Error("two seals of the same plaintext should use different nonces")
	}
	dec, err := OpenString(s, enc)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if dec != "oauth-access-token" {
		t.Errorf("OpenString() = %q", dec)
	}
}

func TestEmptyStringPassthrough(t *testing.T) {
	s, _ := NewAESSealer(testKey(t), "")
	enc, err := SealString(s, "")
	if err != nil || enc != "" {
		t.Fatalf("SealString(\"\") = %q, %v", enc, err)
	}
	dec, err := OpenString(s, "")
	if err != nil || dec != "" {
		t.Fatalf("OpenString(\"\") = %q, %v", dec, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewAESSealer(testKey(t), "")
	ct, err := s.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := s.Open(ct); !errors.Is(err, ErrOpen) {
		t.Errorf("Open(tampered) error = %v, want ErrOpen", err)
	}
	if _, err := s.Open([]byte{1, 2, 3}); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Errorf("Open(short) error = %v", err)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := NewAESSealer(testKey(t), "a")
	b, _ := NewAESSealer(testKey(t), "b")
	enc, _ := SealString(a, "token")
	if _, err := OpenString(b, enc); !errors.Is(err, ErrOpen) {
		t.Errorf("OpenString(wrong key) error = %v, want ErrOpen", err)
	}
}
