package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/blossm-network/packages/pkg/canonicalize"
	"github.com/blossm-network/packages/pkg/merkle"
)

// Count returns the number of events stored for root.
func (e *Engine) Count(ctx context.Context, root string) (int64, error) {
	return e.store.CountEvents(ctx, root)
}

// EventsByTx returns the events produced by one transaction in save order.
func (e *Engine) EventsByTx(ctx context.Context, txID string) ([]Event, error) {
	return e.store.EventsByTx(ctx, txID)
}

// LatestBlock returns the chain tip, or nil before genesis.
func (e *Engine) LatestBlock(ctx context.Context) (*Block, error) {
	return e.store.LatestBlock(ctx)
}

// Block returns block number n.
func (e *Engine) Block(ctx context.Context, n int64) (*Block, error) {
	return e.store.BlockByNumber(ctx, n)
}

// StreamAggregatesOptions select the aggregates StreamAggregates emits.
type StreamAggregatesOptions struct {
	RootQuery
	// At bounds each aggregate's replay. Zero means unbounded.
	At       time.Time
	Filter   *Filter
	Parallel int
}

// StreamAggregates aggregates every root matching the query and calls fn
// with those the filter accepts. fn may be called concurrently.
func (e *Engine) StreamAggregates(ctx context.Context, opts StreamAggregatesOptions, fn func(context.Context, *Aggregate) error) error {
	return e.StreamRoots(ctx, opts.RootQuery, opts.Parallel, func(ctx context.Context, ra RootActivity) error {
		agg, err := e.Aggregate(ctx, ra.Root, AggregateOptions{At: opts.At})
		if err != nil || agg == nil {
			return err
		}
		ok, err := opts.Filter.Match(agg)
		if err != nil || !ok {
			return err
		}
		return fn(ctx, agg)
	})
}

// ProofKind names the three Merkle trees committed to by a block.
type ProofKind string

const (
	ProofEvents    ProofKind = "events"
	ProofSnapshots ProofKind = "snapshots"
	ProofTxs       ProofKind = "txs"
)

// Prove returns an inclusion proof for id in one of block n's trees. id is
// an event hash for events, a root for snapshots and a tx id for txs; the
// leaf key is Hash(id).
func (e *Engine) Prove(ctx context.Context, n int64, kind ProofKind, id string) (merkle.InclusionProof, error) {
	block, err := e.store.BlockByNumber(ctx, n)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	var blob []byte
	switch kind {
	case ProofEvents:
		blob = block.EncodedEvents
	case ProofSnapshots:
		blob = block.EncodedSnapshots
	case ProofTxs:
		blob = block.EncodedTxs
	default:
		return merkle.InclusionProof{}, &ValidationError{Index: -1, Field: "kind", Message: fmt.Sprintf("unknown proof kind %q", kind)}
	}
	pairs, err := canonicalize.DecodePairs(blob)
	if err != nil {
		return merkle.InclusionProof{}, fmt.Errorf("ledger: decode block %d %s: %w", n, kind, err)
	}
	proof, err := merkle.Build(pairs, e.opts.MerkleHash).Proof(canonicalize.MustHash(id))
	if err != nil {
		return merkle.InclusionProof{}, fmt.Errorf("%w: %s %q in block %d", ErrNotFound, kind, id, n)
	}
	return proof, nil
}
