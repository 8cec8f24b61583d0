package crypto

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blossm-network/packages/pkg/ledger"
)

var ErrInvalidSignature = errors.New("invalid block signature")

// VerifyBlock checks that the block signature is a valid signature of the
// block hash under the publisher key carried in its headers.
func VerifyBlock(b *ledger.Block) error {
	if b.Signature == "" {
		return fmt.Errorf("block %d: missing signature", b.Headers.Number)
	}
	ok, err := Verify(b.Headers.PublisherKey, b.Signature, []byte(b.Hash))
	if err != nil {
		return fmt.Errorf("block %d: %w", b.Headers.Number, err)
	}
	if !ok {
		return fmt.Errorf("block %d: %w", b.Headers.Number, ErrInvalidSignature)
	}
	return nil
}

// KeyRing holds the publisher keys trusted to sign blocks. Keys are never
// removed by rotation, so blocks signed before a rotation keep verifying.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]string // public key hex -> key ID
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]string)}
}

// AddKey trusts a publisher key.
func (k *KeyRing) AddKey(keyID, publicKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[strings.ToLower(publicKeyHex)] = keyID
}

// AddSigner trusts the public half of s.
func (k *KeyRing) AddSigner(s *Ed25519Signer) {
	k.AddKey(s.KeyID, s.PublicKey())
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for pub, id := range k.keys {
		if id == keyID {
			delete(k.keys, pub)
		}
	}
}

// KeyIDs lists the trusted key IDs in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for _, id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VerifyBlock verifies the signature and requires the publisher key to be
// trusted.
func (k *KeyRing) VerifyBlock(b *ledger.Block) error {
	k.mu.RLock()
	_, trusted := k.keys[strings.ToLower(b.Headers.PublisherKey)]
	k.mu.RUnlock()
	if !trusted {
		return fmt.Errorf("block %d: publisher key %s is not trusted", b.Headers.Number, b.Headers.PublisherKey)
	}
	return VerifyBlock(b)
}
