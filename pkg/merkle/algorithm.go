package merkle

import (
	"crypto/sha256"
	"fmt"

	"github.com/zeebo/blake3"
)

// Algorithm names the hash function used for leaves and nodes. It is
// recorded nowhere in the block headers, so a store must not change it once
// blocks exist.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm validates a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("merkle: unknown algorithm %q", name)
	}
}

func (a Algorithm) sum(data []byte) []byte {
	switch a {
	case BLAKE3:
		h := blake3.Sum256(data)
		return h[:]
	default:
		h := sha256.Sum256(data)
		return h[:]
	}
}
