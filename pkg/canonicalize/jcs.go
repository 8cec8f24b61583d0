// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the content hashes derived from it. Every hash stored in
// the ledger (event, snapshot, block, Merkle leaf key) is computed over the
// canonical form produced here, so it must stay byte-stable across releases.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are honoured, then
// transformed: object keys sorted by UTF-16 code units, no HTML escaping,
// ECMAScript number formatting, no insignificant whitespace.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values that are known to be serializable
// (strings, string slices). It panics on failure.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canonicalize: hash of %T: %v", v, err))
	}
	return h
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
