package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blossm-network/packages/pkg/canonicalize"
	"github.com/blossm-network/packages/pkg/merkle"
)

// Archiver copies a persisted block to long-term storage. Failures are
// logged and never undo the block.
type Archiver interface {
	Archive(ctx context.Context, block *Block) error
}

// WithArchiver sets the block archiver.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// sealedEvent is an event whose payload has been replaced by ciphertext.
type sealedEvent struct {
	Event
	Payload string `json:"payload"`
}

// snapshotLeaf is the value committed to a block's snapshots tree.
type snapshotLeaf struct {
	Hash    string          `json:"hash"`
	Headers SnapshotHeaders `json:"headers"`
	Context map[string]any  `json:"context"`
	State   any             `json:"state"`
}

type txGroup struct {
	id     string
	hashes []string
}

// rootResult is everything one root contributes to a block.
type rootResult struct {
	root         string
	updated      time.Time
	snapshot     Snapshot
	eventPairs   []canonicalize.Pair
	snapshotPair canonicalize.Pair
	txs          []txGroup
}

// CreateBlock anchors every root active since the previous block into a new
// signed block. The first call creates the genesis block. Calls are
// serialized; snapshots and the block are persisted in one transaction
// after all roots have been processed.
func (e *Engine) CreateBlock(ctx context.Context) (block *Block, err error) {
	if e.signer == nil {
		return nil, errors.New("ledger: a signer is required to create blocks")
	}
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	ctx, done := e.tracker.TrackOperation(ctx, "ledger.create_block", e.attrs("create_block")...)
	defer func() { done(err) }()

	previous, err := e.store.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load latest block: %w", err)
	}
	if previous == nil {
		block, err = e.genesisBlock(ctx)
	} else {
		block, err = e.nextBlock(ctx, previous)
	}
	if err != nil {
		return nil, err
	}

	if e.archiver != nil {
		if aerr := e.archiver.Archive(ctx, block); aerr != nil {
			e.logger.WarnContext(ctx, "block archive failed", "block", block.Headers.Number, "error", aerr)
		}
	}
	if r, ok := e.tracker.(BlockRecorder); ok {
		r.RecordBlock(ctx, block.Headers)
	}
	e.logger.InfoContext(ctx, "block created",
		"block", block.Headers.Number,
		"hash", block.Hash,
		"snapshots", block.Headers.SnapshotCount,
		"events", block.Headers.EventCount,
		"end", block.Headers.End,
	)
	return block, nil
}

func (e *Engine) genesisBlock(ctx context.Context) (*Block, error) {
	empty, err := canonicalize.EncodePairs(nil)
	if err != nil {
		return nil, err
	}
	emptyRoot := merkle.EmptyRoot(e.opts.MerkleHash)
	headers := BlockHeaders{
		PreviousHash:      GenesisPreviousHash,
		Created:           e.now(),
		Number:            0,
		Start:             GenesisStart,
		End:               GenesisStart.Add(time.Millisecond),
		EventsRoot:        emptyRoot,
		SnapshotsRoot:     emptyRoot,
		TxsRoot:           emptyRoot,
		EventsByteSize:    len(empty),
		SnapshotsByteSize: len(empty),
		TxsByteSize:       len(empty),
		Network:           e.opts.Network,
		Service:           e.opts.Service,
		Domain:            e.opts.Domain,
		PublisherKey:      hex.EncodeToString(e.signer.PublicKeyBytes()),
	}
	block, err := e.sealBlock(headers, empty, empty, empty)
	if err != nil {
		return nil, err
	}
	err = e.store.Commit(ctx, func(ctx context.Context, w Writer) error {
		return w.SaveBlock(ctx, *block)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: save genesis block: %w", err)
	}
	return block, nil
}

func (e *Engine) nextBlock(ctx context.Context, previous *Block) (*Block, error) {
	number := previous.Headers.Number + 1
	start := previous.Headers.End
	now := e.now()

	var (
		mu       sync.Mutex
		results  []rootResult
		seen     = make(map[string]bool)
		streamed int
		lastEnd  time.Time
	)
	visit := func(ctx context.Context, ra RootActivity) error {
		mu.Lock()
		if seen[ra.Root] {
			mu.Unlock()
			return nil
		}
		seen[ra.Root] = true
		streamed++
		if ra.Updated.After(lastEnd) {
			lastEnd = ra.Updated
		}
		mu.Unlock()

		res, err := e.processRoot(ctx, ra, number)
		if err != nil || res == nil {
			return err
		}
		mu.Lock()
		results = append(results, *res)
		mu.Unlock()
		return nil
	}
	q := RootQuery{UpdatedOnOrAfter: start, UpdatedBefore: now, Limit: e.opts.BlockLimit}
	if err := e.StreamRoots(ctx, q, e.opts.BlockParallelism, visit); err != nil {
		return nil, err
	}

	// A full block closes just past the last timestamp it covered so the
	// next window resumes there. Roots sharing that timestamp are never
	// split across blocks, even when that takes the block over the limit.
	end := now
	if streamed >= e.opts.BlockLimit {
		end = lastEnd.Add(time.Millisecond)
		tail := RootQuery{UpdatedOnOrAfter: lastEnd, UpdatedBefore: end}
		if err := e.StreamRoots(ctx, tail, e.opts.BlockParallelism, visit); err != nil {
			return nil, err
		}
	}

	// Processing order is nondeterministic; blobs are not.
	sort.Slice(results, func(i, j int) bool {
		if !results[i].updated.Equal(results[j].updated) {
			return results[i].updated.Before(results[j].updated)
		}
		return results[i].root < results[j].root
	})

	var eventPairs, snapshotPairs []canonicalize.Pair
	txIndex := make(map[string]int)
	var txs []txGroup
	for _, r := range results {
		eventPairs = append(eventPairs, r.eventPairs...)
		snapshotPairs = append(snapshotPairs, r.snapshotPair)
		for _, tx := range r.txs {
			i, ok := txIndex[tx.id]
			if !ok {
				i = len(txs)
				txIndex[tx.id] = i
				txs = append(txs, txGroup{id: tx.id})
			}
			txs[i].hashes = append(txs[i].hashes, tx.hashes...)
		}
	}
	txPairs := make([]canonicalize.Pair, len(txs))
	for i, tx := range txs {
		value, err := canonicalize.JCSString(tx.hashes)
		if err != nil {
			return nil, err
		}
		txPairs[i] = canonicalize.Pair{canonicalize.MustHash(tx.id), value}
	}

	encodedEvents, err := canonicalize.EncodePairs(eventPairs)
	if err != nil {
		return nil, err
	}
	encodedSnapshots, err := canonicalize.EncodePairs(snapshotPairs)
	if err != nil {
		return nil, err
	}
	encodedTxs, err := canonicalize.EncodePairs(txPairs)
	if err != nil {
		return nil, err
	}

	eventsRoot := merkle.Root(eventPairs, e.opts.MerkleHash)
	snapshotsRoot := merkle.Root(snapshotPairs, e.opts.MerkleHash)
	txsRoot := merkle.Root(txPairs, e.opts.MerkleHash)

	headers := BlockHeaders{
		PreviousHash:      previous.Hash,
		Created:           e.now(),
		Number:            number,
		Start:             start,
		End:               end,
		EventCount:        len(eventPairs),
		SnapshotCount:     len(snapshotPairs),
		TxCount:           len(txPairs),
		EventsRoot:        eventsRoot,
		SnapshotsRoot:     snapshotsRoot,
		TxsRoot:           txsRoot,
		EventsByteSize:    len(encodedEvents),
		SnapshotsByteSize: len(encodedSnapshots),
		TxsByteSize:       len(encodedTxs),
		Network:           e.opts.Network,
		Service:           e.opts.Service,
		Domain:            e.opts.Domain,
		PublisherKey:      hex.EncodeToString(e.signer.PublicKeyBytes()),
	}
	block, err := e.sealBlock(headers, encodedEvents, encodedSnapshots, encodedTxs)
	if err != nil {
		return nil, err
	}

	err = e.store.Commit(ctx, func(ctx context.Context, w Writer) error {
		for _, r := range results {
			if err := w.SaveSnapshot(ctx, r.snapshot); err != nil {
				return fmt.Errorf("save snapshot %s: %w", r.snapshot.Headers.Nonce, err)
			}
		}
		return w.SaveBlock(ctx, *block)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: persist block %d: %w", number, err)
	}
	return block, nil
}

// processRoot replays root past its latest snapshot and builds the next
// snapshot. It returns nil when the root has no new events.
func (e *Engine) processRoot(ctx context.Context, ra RootActivity, blockNumber int64) (*rootResult, error) {
	agg, err := e.Aggregate(ctx, ra.Root, AggregateOptions{IncludeEvents: true})
	if err != nil {
		return nil, err
	}
	if agg == nil || len(agg.Events) == 0 {
		return nil, nil
	}

	eventPairs, err := e.eventPairs(ctx, agg.Events)
	if err != nil {
		return nil, err
	}

	var txs []txGroup
	txIndex := make(map[string]int)
	for _, ev := range agg.Events {
		i, ok := txIndex[ev.TxID]
		if !ok {
			i = len(txs)
			txIndex[ev.TxID] = i
			txs = append(txs, txGroup{id: ev.TxID})
		}
		txs[i].hashes = append(txs[i].hashes, ev.Hash)
	}
	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.id
	}

	encodedEvents, err := canonicalize.EncodePairs(eventPairs)
	if err != nil {
		return nil, err
	}
	contextHash, err := canonicalize.Hash(agg.Context)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash context of %s: %w", ra.Root, err)
	}
	stateHash, err := canonicalize.Hash(agg.State)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash state of %s: %w", ra.Root, err)
	}
	previousHash := agg.SnapshotHash
	if previousHash == "" {
		previousHash = GenesisPreviousHash
	}

	headers := SnapshotHeaders{
		Nonce:            fmt.Sprintf("%s_%d", ra.Root, blockNumber),
		Block:            blockNumber,
		ContextHash:      contextHash,
		StateHash:        stateHash,
		PreviousHash:     previousHash,
		Created:          e.now(),
		Root:             ra.Root,
		Public:           e.opts.Public,
		Domain:           e.opts.Domain,
		Service:          e.opts.Service,
		Network:          e.opts.Network,
		LastEventNumber:  agg.LastEventNumber,
		EventCount:       len(eventPairs),
		EventsMerkleRoot: merkle.Root(eventPairs, e.opts.MerkleHash),
		EventsByteSize:   len(encodedEvents),
	}
	hash, err := canonicalize.Hash(headers)
	if err != nil {
		return nil, err
	}
	snapshot := Snapshot{
		Hash:          hash,
		Headers:       headers,
		Context:       agg.Context,
		State:         agg.State,
		Trace:         agg.Trace,
		EncodedEvents: encodedEvents,
		TxIDs:         txIDs,
	}

	leaf := snapshotLeaf{Hash: hash, Headers: headers, Context: agg.Context, State: agg.State}
	if !e.opts.Public {
		plain, err := canonicalize.JCSString(agg.State)
		if err != nil {
			return nil, err
		}
		sealed, err := e.encryptor.Encrypt(plain)
		if err != nil {
			return nil, fmt.Errorf("ledger: encrypt state of %s: %w", ra.Root, err)
		}
		leaf.State = sealed
	}
	leafValue, err := canonicalize.JCSString(leaf)
	if err != nil {
		return nil, err
	}

	return &rootResult{
		root:         ra.Root,
		updated:      ra.Updated,
		snapshot:     snapshot,
		eventPairs:   eventPairs,
		snapshotPair: canonicalize.Pair{canonicalize.MustHash(ra.Root), leafValue},
		txs:          txs,
	}, nil
}

// eventPairs builds the (Hash(event hash), canonical event) leaves in event
// order, encrypting payloads with bounded concurrency for private stores.
func (e *Engine) eventPairs(ctx context.Context, events []Event) ([]canonicalize.Pair, error) {
	pairs := make([]canonicalize.Pair, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.EncryptParallelism)
	for i, ev := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var body any = ev
			if !e.opts.Public {
				plain, err := canonicalize.JCSString(ev.Payload)
				if err != nil {
					return err
				}
				sealed, err := e.encryptor.Encrypt(plain)
				if err != nil {
					return fmt.Errorf("ledger: encrypt payload of %s#%d: %w", ev.Root, ev.Number, err)
				}
				body = sealedEvent{Event: ev, Payload: sealed}
			}
			value, err := canonicalize.JCSString(body)
			if err != nil {
				return err
			}
			pairs[i] = canonicalize.Pair{canonicalize.MustHash(ev.Hash), value}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (e *Engine) sealBlock(headers BlockHeaders, events, snapshots, txs []byte) (*Block, error) {
	hash, err := canonicalize.Hash(headers)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash block headers: %w", err)
	}
	signature, err := e.signer.Sign([]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("ledger: sign block %d: %w", headers.Number, err)
	}
	return &Block{
		Signature:        signature,
		Hash:             hash,
		Headers:          headers,
		EncodedEvents:    events,
		EncodedSnapshots: snapshots,
		EncodedTxs:       txs,
	}, nil
}
