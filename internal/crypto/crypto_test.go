package crypto

import "testing"

func TestNewEncryptor_RequiresSecret(t *testing.T) {
	if _, err := NewEncryptor(""); err != ErrSecretKeyMissing {
		t.Fatalf("expected ErrSecretKeyMissing, got %v", err)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	encrypted, err := enc.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if encrypted == "hunter2" {
		t.Fatal("expected value to be transformed")
	}
	if !IsEncrypted(encrypted) {
		t.Fatal("expected enc: prefix")
	}

	decrypted, err := enc.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decrypted != "hunter2" {
		t.Fatalf("decrypted = %q, want hunter2", decrypted)
	}
}

func TestEncrypt_EmptyValuePassesThrough(t *testing.T) {
	enc, err := NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := enc.Encrypt("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty string to pass through, got %q", out)
	}
}

func TestEncrypt_Idempotent(t *testing.T) {
	enc, err := NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	once, err := enc.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := enc.Encrypt(once)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if once != twice {
		t.Fatal("expected re-encrypting an already encrypted value to be a no-op")
	}
}

func TestDecrypt_PlaintextPassesThrough(t *testing.T) {
	enc, err := NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := enc.Decrypt("plain-value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "plain-value" {
		t.Fatalf("decrypted = %q, want plain-value", out)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	enc1, _ := NewEncryptor("secret-one")
	enc2, _ := NewEncryptor("secret-two")

	encrypted, err := enc1.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := enc2.Decrypt(encrypted); err == nil {
		t.Fatal("expected decryption under a different key to fail")
	}
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	enc, _ := NewEncryptor("test-secret")
	if _, err := enc.Decrypt("enc:AAAA"); err == nil {
		t.Fatal("expected truncated ciphertext to fail")
	}
}
