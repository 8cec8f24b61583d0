package kms

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "ledger.keystore")
}

func TestLocalKMS_NewGeneratesKey(t *testing.T) {
	path := tempKeystore(t)

	k, err := NewLocalKMS(path, "net/svc/dom")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}
	if k.ActiveVersion() != 1 {
		t.Errorf("expected active version 1, got %d", k.ActiveVersion())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("keystore file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("keystore permissions = %o, want 0600", perm)
	}
}

func TestLocalKMS_EncryptDecrypt(t *testing.T) {
	k, err := NewLocalKMS(tempKeystore(t), "net/svc/dom")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}

	plaintext := `{"balance":42}`
	ct, err := k.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") {
		t.Errorf("ciphertext prefix = %q, want v1:", ct[:3])
	}

	pt, err := k.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != plaintext {
		t.Errorf("round-trip failed: got %q, want %q", pt, plaintext)
	}

	again, _ := k.Encrypt(plaintext)
	if again == ct {
		t.Error("two encryptions of the same value must differ")
	}
}

func TestLocalKMS_EncryptEmpty(t *testing.T) {
	k, err := NewLocalKMS(tempKeystore(t), "l")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}
	ct, err := k.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}
	if ct == "" {
		t.Fatal("empty plaintext must still be sealed")
	}
	pt, err := k.Decrypt(ct)
	if err != nil || pt != "" {
		t.Errorf("Decrypt empty = %q, %v", pt, err)
	}
}

func TestLocalKMS_LabelBinding(t *testing.T) {
	path := tempKeystore(t)
	a, err := NewLocalKMS(path, "net/svc/a")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}
	b, err := NewLocalKMS(path, "net/svc/b")
	if err != nil {
		t.Fatalf("NewLocalKMS reload: %v", err)
	}

	ct, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); err == nil {
		t.Error("ciphertext opened under a different label")
	}
}

func TestLocalKMS_RotateKeepsOldKeys(t *testing.T) {
	path := tempKeystore(t)
	k, err := NewLocalKMS(path, "l")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}
	old, err := k.Encrypt("before")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	v, err := k.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if v != 2 || k.ActiveVersion() != 2 {
		t.Fatalf("rotated version = %d, active = %d", v, k.ActiveVersion())
	}

	reloaded, err := NewLocalKMS(path, "l")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	pt, err := reloaded.Decrypt(old)
	if err != nil || pt != "before" {
		t.Errorf("old ciphertext after rotation = %q, %v", pt, err)
	}
	ct, _ := reloaded.Encrypt("after")
	if !strings.HasPrefix(ct, "v2:") {
		t.Errorf("new ciphertext should use v2, got %q", ct[:3])
	}
}

func TestLocalKMS_Malformed(t *testing.T) {
	k, err := NewLocalKMS(tempKeystore(t), "l")
	if err != nil {
		t.Fatalf("NewLocalKMS: %v", err)
	}
	for _, ct := range []string{"", "x1:abc", "v:abc", "vX:abc", "v9:abc", "v1:!!!", "v1:AAAA"} {
		if _, err := k.Decrypt(ct); err == nil {
			t.Errorf("Decrypt(%q) should fail", ct)
		}
	}
}

func TestLocalKMS_CorruptKeystore(t *testing.T) {
	path := tempKeystore(t)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"active_version":2,"keys":{"1":"AAAA"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLocalKMS(path, "l"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	identity, recipient, err := GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity: %v", err)
	}
	enc, err := NewAgeEncryptor([]string{recipient})
	if err != nil {
		t.Fatalf("NewAgeEncryptor: %v", err)
	}

	ct, err := enc.Encrypt(`{"x":1}`)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "age:") {
		t.Errorf("missing age prefix: %q", ct)
	}

	pt, err := AgeDecrypt(ct, identity)
	if err != nil {
		t.Fatalf("AgeDecrypt: %v", err)
	}
	if pt != `{"x":1}` {
		t.Errorf("round trip = %q", pt)
	}

	other, _, _ := GenerateAgeIdentity()
	if _, err := AgeDecrypt(ct, other); err == nil {
		t.Error("decrypted with the wrong identity")
	}
}

func TestAgeEncryptor_BadRecipients(t *testing.T) {
	if _, err := NewAgeEncryptor(nil); err == nil {
		t.Error("expected error with no recipients")
	}
	if _, err := NewAgeEncryptor([]string{"not-a-key"}); err == nil {
		t.Error("expected error for invalid recipient")
	}
}
