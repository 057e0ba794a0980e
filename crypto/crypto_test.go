package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptorRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 48))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tc.key); err == nil {
				t.Errorf("NewAESEncryptor(%q) expected error", tc.name)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	plaintext := "oauth-refresh-token-abc123"
	stored, err := EncryptString(enc, plaintext)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if stored == plaintext {
		t.Fatalf("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, stored)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncryptStringEmptyPassesThrough(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	s, err := EncryptString(enc, "")
	if err != nil || s != "" {
		t.Errorf("EncryptString(empty) = (%q, %v), want empty no error", s, err)
	}
	s, err = DecryptString(enc, "")
	if err != nil || s != "" {
		t.Errorf("DecryptString(empty) = (%q, %v), want empty no error", s, err)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	stored, err := EncryptString(enc, "legacy-grant-token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(stored)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecryptString(enc, tampered); err == nil {
		t.Errorf("expected authentication failure on tampered ciphertext")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	stored, _ := EncryptString(enc1, "secret")
	if _, err := DecryptString(enc2, stored); err == nil {
		t.Errorf("expected decryption failure with the wrong key")
	}
}

func TestDecryptTooShort(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	_, err := DecryptString(enc, short)
	if err == nil || !strings.Contains(err.Error(), "too short") {
		t.Errorf("expected too-short error, got %v", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	a, _ := EncryptString(enc, "same plaintext")
	b, _ := EncryptString(enc, "same plaintext")
	if a == b {
		t.Errorf("two encryptions of the same plaintext produced identical ciphertext")
	}
}
