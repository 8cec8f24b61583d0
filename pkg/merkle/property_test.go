package merkle

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/blossm-network/packages/pkg/canonicalize"
)

func toPairs(keys, values []string) []canonicalize.Pair {
	var pairs []canonicalize.Pair
	for i := 0; i < len(keys) && i < len(values); i++ {
		pairs = append(pairs, canonicalize.Pair{keys[i], values[i]})
	}
	return pairs
}

// Property: Root(pairs) == Root(shuffle(pairs)) and recomputation is stable.
func TestMerkleRootDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("root depends only on the leaf set", prop.ForAll(
		func(keys []string, values []string, seed int64) bool {
			pairs := toPairs(keys, values)
			shuffled := append([]canonicalize.Pair(nil), pairs...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			first := Root(pairs, SHA256)
			return first == Root(pairs, SHA256) && first == Root(shuffled, SHA256)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// Property: every generated proof verifies against the tree root.
func TestMerkleProofVerification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs always verify", prop.ForAll(
		func(values []string) bool {
			var pairs []canonicalize.Pair
			for i, v := range values {
				pairs = append(pairs, canonicalize.Pair{string(rune('a'+i%26)) + v, v})
			}
			tree := Build(pairs, BLAKE3)
			for _, l := range tree.Leaves {
				proof, err := tree.Proof(l.Key)
				if err != nil || !VerifyInclusionProof(proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
