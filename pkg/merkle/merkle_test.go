package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blossm-network/packages/pkg/canonicalize"
)

func TestBuild_ThreeLeaves(t *testing.T) {
	pairs := []canonicalize.Pair{{"/a", "valueA"}, {"/b", "valueB"}, {"/c", "valueC"}}

	tree := Build(pairs, SHA256)
	require.Len(t, tree.Leaves, 3)

	h := func(i int) string { return tree.Leaves[i].Hash }

	// Level 1 duplicates the odd leaf: [N(h0,h1), N(h2,h2)]
	n1 := buildNodeHash(SHA256, h(0), h(1))
	n2 := buildNodeHash(SHA256, h(2), h(2))
	assert.Equal(t, buildNodeHash(SHA256, n1, n2), tree.Root)
}

func TestBuild_OrderIndependent(t *testing.T) {
	a := []canonicalize.Pair{{"k1", "v1"}, {"k2", "v2"}, {"k3", "v3"}, {"k4", "v4"}, {"k5", "v5"}}
	b := []canonicalize.Pair{{"k4", "v4"}, {"k2", "v2"}, {"k5", "v5"}, {"k1", "v1"}, {"k3", "v3"}}

	assert.Equal(t, Root(a, SHA256), Root(b, SHA256))
	assert.Equal(t, Root(a, BLAKE3), Root(b, BLAKE3))
	assert.NotEqual(t, Root(a, SHA256), Root(a, BLAKE3))
}

func TestBuild_PairSensitive(t *testing.T) {
	a := []canonicalize.Pair{{"k1", "v1"}, {"k2", "v2"}}
	swapped := []canonicalize.Pair{{"k1", "v2"}, {"k2", "v1"}}

	assert.NotEqual(t, Root(a, SHA256), Root(swapped, SHA256))
}

func TestEmptyRoot_Constant(t *testing.T) {
	assert.Equal(t, EmptyRoot(SHA256), Root(nil, SHA256))
	assert.Equal(t, EmptyRoot(SHA256), Root([]canonicalize.Pair{}, ""))
	assert.Len(t, EmptyRoot(SHA256), 64)
	assert.Len(t, EmptyRoot(BLAKE3), 64)
}

func TestSingleLeaf_RootIsLeafHash(t *testing.T) {
	tree := Build([]canonicalize.Pair{{"only", "one"}}, SHA256)
	assert.Equal(t, LeafHash(SHA256, "only", "one"), tree.Root)

	proof, err := tree.Proof("only")
	require.NoError(t, err)
	assert.Empty(t, proof.ProofPath)
	assert.True(t, VerifyInclusionProof(proof, tree.Root))
}

func TestProof_AllLeavesVerify(t *testing.T) {
	for _, algo := range []Algorithm{SHA256, BLAKE3} {
		var pairs []canonicalize.Pair
		for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
			pairs = append(pairs, canonicalize.Pair{k, "value-" + k})
		}
		tree := Build(pairs, algo)

		for _, p := range pairs {
			proof, err := tree.Proof(p.Key())
			require.NoError(t, err)
			assert.Equal(t, LeafHash(algo, p.Key(), p.Value()), proof.LeafHash)
			assert.True(t, VerifyInclusionProof(proof, tree.Root), "algo=%s key=%s", algo, p.Key())
		}
	}
}

func TestProof_Tampered(t *testing.T) {
	pairs := []canonicalize.Pair{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	tree := Build(pairs, SHA256)

	proof, err := tree.Proof("c")
	require.NoError(t, err)

	bad := proof
	bad.LeafHash = LeafHash(SHA256, "c", "tampered")
	assert.False(t, VerifyInclusionProof(bad, tree.Root))

	assert.False(t, VerifyInclusionProof(proof, EmptyRoot(SHA256)))

	_, err = tree.Proof("missing")
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)

	a, err = ParseAlgorithm("blake3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, a)

	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}
