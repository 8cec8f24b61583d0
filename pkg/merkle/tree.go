// Package merkle computes Merkle roots over ordered sets of (key, value)
// leaf pairs and produces inclusion proofs against those roots.
//
// Leaves are sorted by leaf hash before the tree is built, so the root
// depends only on the set of pairs and never on the order in which
// concurrent producers appended them.
package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/blossm-network/packages/pkg/canonicalize"
)

const (
	leafPrefix  = "ledger:merkle:leaf:v1"
	nodePrefix  = "ledger:merkle:node:v1"
	emptyPrefix = "ledger:merkle:empty:v1"
)

// Leaf is a hashed leaf pair.
type Leaf struct {
	Key   string
	Value string
	Hash  string
}

// Tree is a built Merkle tree. Nodes holds every level bottom-up, the last
// level being the single root.
type Tree struct {
	Algorithm Algorithm
	Leaves    []Leaf
	Root      string
	Nodes     [][]string
}

// Build constructs a tree over pairs using algo.
func Build(pairs []canonicalize.Pair, algo Algorithm) *Tree {
	if algo == "" {
		algo = SHA256
	}
	leaves := make([]Leaf, len(pairs))
	for i, p := range pairs {
		leaves[i] = Leaf{
			Key:   p.Key(),
			Value: p.Value(),
			Hash:  hex.EncodeToString(algo.sum(buildLeafBytes(p.Key(), p.Value()))),
		}
	}
	sort.SliceStable(leaves, func(i, j int) bool { return leaves[i].Hash < leaves[j].Hash })

	tree := &Tree{Algorithm: algo, Leaves: leaves}
	if len(leaves) == 0 {
		tree.Root = EmptyRoot(algo)
		return tree
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.Hash
	}
	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = buildNextLevel(algo, level)
	}
	tree.Nodes = append(tree.Nodes, level)
	tree.Root = level[0]
	return tree
}

// Root is shorthand for Build(pairs, algo).Root.
func Root(pairs []canonicalize.Pair, algo Algorithm) string {
	return Build(pairs, algo).Root
}

// EmptyRoot is the root of an empty leaf set for algo.
func EmptyRoot(algo Algorithm) string {
	if algo == "" {
		algo = SHA256
	}
	return hex.EncodeToString(algo.sum([]byte(emptyPrefix)))
}

// Proof returns the inclusion proof for the first leaf with key.
func (t *Tree) Proof(key string) (InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InclusionProof{}, fmt.Errorf("merkle: key %q not in tree", key)
	}

	proof := InclusionProof{
		LeafKey:    key,
		LeafHash:   t.Leaves[idx].Hash,
		MerkleRoot: t.Root,
		Algorithm:  t.Algorithm,
	}
	pos := idx
	// The last level is the root itself.
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		var step ProofStep
		if pos%2 == 0 {
			sibling := pos + 1
			if sibling >= len(level) {
				sibling = pos
			}
			step = ProofStep{Side: SideRight, SiblingHash: level[sibling]}
		} else {
			step = ProofStep{Side: SideLeft, SiblingHash: level[pos-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		pos /= 2
	}
	return proof, nil
}

func buildLeafBytes(key, value string) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.WriteString(value)
	return buf.Bytes()
}

func buildNextLevel(algo Algorithm, hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1]) // duplicate last
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = buildNodeHash(algo, hashes[i], hashes[i+1])
	}
	return next
}

func buildNodeHash(algo Algorithm, left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return hex.EncodeToString(algo.sum(buf.Bytes()))
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
