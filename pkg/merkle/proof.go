package merkle

import (
	"encoding/hex"
	"strings"
)

// Side tells which side of the current node a sibling sits on.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// InclusionProof proves that a leaf is part of a tree with MerkleRoot.
type InclusionProof struct {
	LeafKey    string      `json:"leafKey"`
	LeafHash   string      `json:"leafHash"`
	MerkleRoot string      `json:"merkleRoot"`
	Algorithm  Algorithm   `json:"algorithm"`
	ProofPath  []ProofStep `json:"proofPath"`
}

type ProofStep struct {
	Side        Side   `json:"side"`
	SiblingHash string `json:"siblingHash"`
}

// LeafHash computes the leaf hash of a pair, for checking a proof against
// a known value rather than trusting proof.LeafHash.
func LeafHash(algo Algorithm, key, value string) string {
	if algo == "" {
		algo = SHA256
	}
	return hex.EncodeToString(algo.sum(buildLeafBytes(key, value)))
}

// VerifyInclusionProof verifies that a leaf is part of the Merkle tree.
// When expectedRoot is non-empty it must match the proof's root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	algo := proof.Algorithm
	if algo == "" {
		algo = SHA256
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == SideLeft {
			current = buildNodeHash(algo, step.SiblingHash, current)
		} else {
			current = buildNodeHash(algo, current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
