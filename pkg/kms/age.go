package kms

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// agePrefix marks age ciphertext so it is distinguishable from LocalKMS
// output in block leaves.
const agePrefix = "age:"

// AgeEncryptor seals values to one or more age x25519 recipients.
type AgeEncryptor struct {
	recipients []age.Recipient
}

// NewAgeEncryptor parses recipient public keys (age1... format).
func NewAgeEncryptor(recipientKeys []string) (*AgeEncryptor, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("kms: at least one age recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("kms: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return &AgeEncryptor{recipients: recipients}, nil
}

// Encrypt returns "age:" followed by base64 age ciphertext.
func (a *AgeEncryptor) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipients...)
	if err != nil {
		return "", fmt.Errorf("kms: creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("kms: writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("kms: finalizing age encryption: %w", err)
	}
	return agePrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// AgeDecrypt opens a value produced by AgeEncryptor with an identity in
// AGE-SECRET-KEY-1... format.
func AgeDecrypt(ciphertext, identity string) (string, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return "", fmt.Errorf("kms: parsing age identity: %w", err)
	}
	encoded, ok := strings.CutPrefix(ciphertext, agePrefix)
	if !ok {
		return "", fmt.Errorf("kms: not age ciphertext")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("kms: decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return "", fmt.Errorf("kms: decrypting: %w", err)
	}
	pt, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("kms: reading decrypted plaintext: %w", err)
	}
	return string(pt), nil
}

// GenerateAgeIdentity returns a new (identity, recipient) pair.
func GenerateAgeIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("kms: generating age keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}
