// Package kms encrypts private snapshot state and event payloads before
// they are committed into block blobs.
//
// Two encryptors are provided: LocalKMS, a file-backed AES-256-GCM keystore
// with versioned keys, and AgeEncryptor, which seals to age recipients so
// auditors holding the identity can open a private block offline.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Manager defines the key management interface.
type Manager interface {
	// Encrypt seals plaintext, returning versioned ciphertext ("v<N>:<base64>").
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	// Rotate generates a new active key. Old keys remain for decryption.
	Rotate() (version int, err error)
	ActiveVersion() int
}

// Keystore is the on-disk JSON format for persisted keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 32-byte key
}

// LocalKMS is a file-backed KMS using AES-256-GCM with versioned keys.
// Every ciphertext is bound to the store's label (network/service/domain)
// as additional data, so a blob cannot be replayed into another store.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	label []byte
	keys  map[int][]byte
}

// NewLocalKMS loads or creates a keystore at keystorePath. A missing file
// is created with a fresh version 1 key.
func NewLocalKMS(keystorePath, label string) (*LocalKMS, error) {
	k := &LocalKMS{
		path:  keystorePath,
		label: []byte(label),
		keys:  make(map[int][]byte),
	}

	data, err := os.ReadFile(keystorePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key, err := newKey()
		if err != nil {
			return nil, err
		}
		k.store = Keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		k.keys[1] = key
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need 32)", v, len(key))
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return k, nil
}

// Encrypt seals plaintext with the active key. Empty plaintext is sealed
// too; block leaves never carry an unencrypted value in a private store.
func (k *LocalKMS) Encrypt(plaintext string) (string, error) {
	k.mu.RLock()
	version := k.store.ActiveVersion
	key := k.keys[version]
	k.mu.RUnlock()

	ct, err := seal(key, []byte(plaintext), k.label)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt opens ciphertext sealed under any key version in the store.
func (k *LocalKMS) Decrypt(ciphertext string) (string, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("kms: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	pt, err := open(key, ct, k.label)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Rotate generates a new key version and persists the updated keystore.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := newKey()
	if err != nil {
		return 0, err
	}
	next := k.store.ActiveVersion + 1
	k.store.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = next
	k.keys[next] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

// persist writes the keystore with owner-only permissions.
func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func newKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("kms: open: %w", err)
	}
	return pt, nil
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", fmt.Errorf("kms: missing version prefix")
	}
	vStr, payload, ok := strings.Cut(rest, ":")
	if !ok || vStr == "" {
		return 0, "", fmt.Errorf("kms: malformed versioned ciphertext")
	}
	v, err := strconv.Atoi(vStr)
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, payload, nil
}
