package ledger

import (
	"context"
	"fmt"

	"github.com/blossm-network/packages/pkg/canonicalize"
	"github.com/blossm-network/packages/pkg/merkle"
)

// ChainError identifies the first block that fails verification.
type ChainError struct {
	Number int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Number, e.Reason)
}

// SignatureVerifier checks a block's signature against its publisher key.
type SignatureVerifier func(b *Block) error

// VerifyContents checks that a block's hash matches its headers and that its
// Merkle roots, counts and byte sizes match its encoded blobs.
func VerifyContents(b *Block, algo merkle.Algorithm) error {
	hash, err := canonicalize.Hash(b.Headers)
	if err != nil {
		return err
	}
	if hash != b.Hash {
		return &ChainError{Number: b.Headers.Number, Reason: "hash does not match headers"}
	}
	checks := []struct {
		name  string
		blob  []byte
		root  string
		count int
		size  int
	}{
		{"events", b.EncodedEvents, b.Headers.EventsRoot, b.Headers.EventCount, b.Headers.EventsByteSize},
		{"snapshots", b.EncodedSnapshots, b.Headers.SnapshotsRoot, b.Headers.SnapshotCount, b.Headers.SnapshotsByteSize},
		{"txs", b.EncodedTxs, b.Headers.TxsRoot, b.Headers.TxCount, b.Headers.TxsByteSize},
	}
	for _, c := range checks {
		if len(c.blob) != c.size {
			return &ChainError{Number: b.Headers.Number, Reason: fmt.Sprintf("%s byte size %d, header says %d", c.name, len(c.blob), c.size)}
		}
		pairs, err := canonicalize.DecodePairs(c.blob)
		if err != nil {
			return &ChainError{Number: b.Headers.Number, Reason: fmt.Sprintf("%s blob: %v", c.name, err)}
		}
		if len(pairs) != c.count {
			return &ChainError{Number: b.Headers.Number, Reason: fmt.Sprintf("%s count %d, header says %d", c.name, len(pairs), c.count)}
		}
		if root := merkle.Root(pairs, algo); root != c.root {
			return &ChainError{Number: b.Headers.Number, Reason: c.name + " merkle root mismatch"}
		}
	}
	return nil
}

// VerifyLink checks that next directly follows prev. A nil prev means next
// must be the genesis block.
func VerifyLink(prev, next *Block) error {
	n := next.Headers.Number
	if prev == nil {
		if n != 0 || next.Headers.PreviousHash != GenesisPreviousHash || !next.Headers.Start.Equal(GenesisStart) {
			return &ChainError{Number: n, Reason: "genesis does not chain to the genesis marker"}
		}
		return nil
	}
	switch {
	case n != prev.Headers.Number+1:
		return &ChainError{Number: n, Reason: fmt.Sprintf("number does not follow %d", prev.Headers.Number)}
	case next.Headers.PreviousHash != prev.Hash:
		return &ChainError{Number: n, Reason: "previous hash does not match"}
	case !next.Headers.Start.Equal(prev.Headers.End):
		return &ChainError{Number: n, Reason: "window does not start at previous end"}
	}
	return nil
}

// VerifyChain walks blocks from genesis to the tip checking contents,
// signatures and the hash chain. It returns the number of blocks checked.
func (e *Engine) VerifyChain(ctx context.Context, verify SignatureVerifier) (int64, error) {
	tip, err := e.store.LatestBlock(ctx)
	if err != nil || tip == nil {
		return 0, err
	}
	var previous *Block
	for n := int64(0); n <= tip.Headers.Number; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b, err := e.store.BlockByNumber(ctx, n)
		if err != nil {
			return n, fmt.Errorf("ledger: load block %d: %w", n, err)
		}
		if err := VerifyContents(b, e.opts.MerkleHash); err != nil {
			return n, err
		}
		if verify != nil {
			if err := verify(b); err != nil {
				return n, &ChainError{Number: n, Reason: "signature: " + err.Error()}
			}
		}
		if err := VerifyLink(previous, b); err != nil {
			return n, err
		}
		previous = b
	}
	return tip.Headers.Number + 1, nil
}
