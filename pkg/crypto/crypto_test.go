package crypto

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashToken_RoundTrip(t *testing.T) {
	hash, err := HashToken("operator-token", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if err := VerifyToken("operator-token", hash); err != nil {
		t.Errorf("VerifyToken valid: %v", err)
	}
	if err := VerifyToken("wrong", hash); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("VerifyToken wrong = %v, want ErrTokenMismatch", err)
	}
}

func TestHashToken_Errors(t *testing.T) {
	if _, err := HashToken("", bcrypt.MinCost); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("empty: %v", err)
	}
	if _, err := HashToken(strings.Repeat("x", 73), bcrypt.MinCost); !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("too long: %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))

	ct, err := Encrypt("api-secret", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt(ct, key)
	if err != nil || pt != "api-secret" {
		t.Fatalf("Decrypt = %q, %v", pt, err)
	}

	other := []byte(strings.Repeat("z", 32))
	if _, err := Decrypt(ct, other); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: %v", err)
	}
	if _, err := Encrypt("x", []byte("short")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("short key: %v", err)
	}
}

func TestRevealSecret(t *testing.T) {
	key := strings.Repeat("k", 32)
	if got, err := RevealSecret("plain", ""); err != nil || got != "plain" {
		t.Errorf("plain = %q, %v", got, err)
	}

	ct, _ := Encrypt("hidden", []byte(key))
	if got, err := RevealSecret(EncryptedPrefix+ct, key); err != nil || got != "hidden" {
		t.Errorf("encrypted = %q, %v", got, err)
	}
}

func TestSignHMACSHA256(t *testing.T) {
	// RFC 4231 test case 2
	got := SignHMACSHA256("Jefe", "what do ya want for nothing?")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("SignHMACSHA256 = %s, want %s", got, want)
	}
}
