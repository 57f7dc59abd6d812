package storage

import (
	"bytes"
	"os"
	"testing"
)

func TestSealOpenSecret(t *testing.T) {
	secret := []byte("ftp-password")
	key := []byte("install-key-material")

	sealed, err := SealSecret(secret, key)
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	if sealed == "" {
		t.Fatal("Sealed data is empty")
	}
	if bytes.Contains([]byte(sealed), secret) {
		t.Fatal("Sealed data contains the plaintext")
	}

	opened, err := OpenSecret(sealed, key)
	if err != nil {
		t.Fatalf("OpenSecret failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Fatal("Opened data does not match original")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	sealed, err := SealSecret([]byte("secret"), []byte("right-key"))
	if err != nil {
		t.Fatalf("SealSecret failed: %v", err)
	}

	if _, err := OpenSecret(sealed, []byte("wrong-key")); err == nil {
		t.Fatal("OpenSecret should fail with wrong key")
	}
}

func TestSealIsRandomized(t *testing.T) {
	key := []byte("key")

	sealed1, err := SealSecret([]byte("same"), key)
	if err != nil {
		t.Fatal(err)
	}
	sealed2, err := SealSecret([]byte("same"), key)
	if err != nil {
		t.Fatal(err)
	}

	// Salt and nonce are random per call
	if sealed1 == sealed2 {
		t.Fatal("Sealing twice should not produce identical output")
	}
}

func TestSealInputValidation(t *testing.T) {
	if _, err := SealSecret(nil, []byte("key")); err == nil {
		t.Error("SealSecret should fail with empty secret")
	}
	if _, err := SealSecret([]byte("secret"), nil); err == nil {
		t.Error("SealSecret should fail with empty key")
	}
	if _, err := OpenSecret("", []byte("key")); err == nil {
		t.Error("OpenSecret should fail with empty input")
	}
	if _, err := OpenSecret("c2hvcnQ=", []byte("key")); err == nil {
		t.Error("OpenSecret should fail with truncated input")
	}
}

func TestLoadInstallKey(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "ftpdeck-key-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	key1, err := loadInstallKey(tempDir)
	if err != nil {
		t.Fatalf("loadInstallKey failed: %v", err)
	}
	if len(key1) != installKeySize {
		t.Fatalf("Expected key of %d bytes, got %d", installKeySize, len(key1))
	}

	key2, err := loadInstallKey(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("Install key should be stable across loads")
	}
}
