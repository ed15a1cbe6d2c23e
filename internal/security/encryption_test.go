package security

import (
	"crypto/rand"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestEncryptDecryptEmail_RoundTrip(t *testing.T) {
	key := testKey(t)

	emails := []string{
		"ana@example.com",
		"user+tag@sub.domain.co",
		"a@b.c",
	}

	for _, email := range emails {
		encrypted, err := EncryptEmail(email, key)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if strings.Contains(encrypted, email) {
			t.Error("ciphertext leaks the plaintext")
		}

		decrypted, err := DecryptEmail(encrypted, key)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if decrypted != email {
			t.Errorf("expected %q, got %q", email, decrypted)
		}
	}
}

func TestEncryptEmail_NonDeterministic(t *testing.T) {
	key := testKey(t)

	a, err := EncryptEmail("ana@example.com", key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	b, err := EncryptEmail("ana@example.com", key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if a == b {
		t.Error("same plaintext must not produce the same ciphertext (nonce reuse?)")
	}
}

func TestDecryptEmail_WrongKey(t *testing.T) {
	encrypted, err := EncryptEmail("ana@example.com", testKey(t))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if _, err := DecryptEmail(encrypted, testKey(t)); err == nil {
		t.Error("expected decryption with the wrong key to fail")
	}
}

func TestEncryptEmail_RejectsBadKeySize(t *testing.T) {
	if _, err := EncryptEmail("ana@example.com", []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := DecryptEmail("anything", []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestDecryptEmail_GarbageInput(t *testing.T) {
	key := testKey(t)

	if _, err := DecryptEmail("not base64!!!", key); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecryptEmail("YWJj", key); err == nil { // "abc", shorter than a nonce
		t.Error("expected error for truncated payload")
	}
}
