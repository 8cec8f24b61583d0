package ledger_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blossm-network/packages/pkg/canonicalize"
	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/kms"
	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/merkle"
	"github.com/blossm-network/packages/pkg/store"
)

func createBlock(t *testing.T, h *harness) *ledger.Block {
	t.Helper()
	b, err := h.engine.CreateBlock(context.Background())
	require.NoError(t, err)
	return b
}

func snapshotKeys(t *testing.T, b *ledger.Block) []string {
	t.Helper()
	pairs, err := canonicalize.DecodePairs(b.EncodedSnapshots)
	require.NoError(t, err)
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key()
	}
	return keys
}

func TestCreateBlock_RequiresSigner(t *testing.T) {
	e, err := ledger.New(store.NewMemoryStore(), testHandlers(), ledger.Options{Public: true})
	require.NoError(t, err)
	_, err = e.CreateBlock(context.Background())
	assert.Error(t, err)
}

func TestCreateBlock_Genesis(t *testing.T) {
	h := publicHarness(t)
	appendOne(t, h, propose("r1", "create", map[string]any{"x": 1}))

	b := createBlock(t, h)
	assert.Equal(t, int64(0), b.Headers.Number)
	assert.Equal(t, ledger.GenesisPreviousHash, b.Headers.PreviousHash)
	assert.Equal(t, canonicalize.MustHash("~"), b.Headers.PreviousHash)
	assert.True(t, b.Headers.Start.Equal(ledger.GenesisStart))
	assert.Equal(t, int64(1), b.Headers.End.Sub(b.Headers.Start).Milliseconds())
	assert.Zero(t, b.Headers.SnapshotCount)
	assert.Zero(t, b.Headers.EventCount)
	assert.Equal(t, merkle.EmptyRoot(merkle.SHA256), b.Headers.SnapshotsRoot)

	hash, err := canonicalize.Hash(b.Headers)
	require.NoError(t, err)
	assert.Equal(t, hash, b.Hash)

	ok, err := crypto.Verify(h.signer.PublicKey(), b.Signature, []byte(b.Hash))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, h.signer.PublicKey(), b.Headers.PublisherKey)
	require.NoError(t, crypto.VerifyBlock(b))

	// Genesis leaves existing events for the next block.
	next := createBlock(t, h)
	assert.Equal(t, 1, next.Headers.SnapshotCount)
	assert.Equal(t, b.Hash, next.Headers.PreviousHash)
	assert.True(t, next.Headers.Start.Equal(b.Headers.End))
}

func TestCreateBlock_FullBlocksCoverEveryRoot(t *testing.T) {
	h := publicHarness(t)
	ctx := context.Background()

	want := make([]string, 120)
	for i := range want {
		root := fmt.Sprintf("root-%03d", i)
		want[i] = canonicalize.MustHash(root)
		appendOne(t, h, propose(root, "create", map[string]any{"i": i}))
	}

	createBlock(t, h)
	first := createBlock(t, h)
	assert.Equal(t, 100, first.Headers.SnapshotCount)
	assert.Equal(t, 100, first.Headers.EventCount)
	assert.Equal(t, 100, first.Headers.TxCount)

	second := createBlock(t, h)
	assert.Equal(t, 20, second.Headers.SnapshotCount)
	assert.True(t, second.Headers.Start.Equal(first.Headers.End))

	third := createBlock(t, h)
	assert.Zero(t, third.Headers.SnapshotCount)

	got := append(snapshotKeys(t, first), snapshotKeys(t, second)...)
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got, "every root anchored exactly once")

	n, err := h.engine.VerifyChain(ctx, crypto.VerifyBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCreateBlock_FullBlockKeepsSharedTimestampTogether(t *testing.T) {
	h := newHarness(t, ledger.Options{Public: true, BlockLimit: 10})
	ctx := context.Background()
	createBlock(t, h)

	// One append saves every root at the same instant.
	proposals := make([]ledger.Proposal, 15)
	want := make([]string, len(proposals))
	for i := range proposals {
		root := fmt.Sprintf("batch-%02d", i)
		proposals[i] = propose(root, "create", map[string]any{"i": i})
		want[i] = canonicalize.MustHash(root)
	}
	_, err := h.engine.Append(ctx, ledger.AppendRequest{Proposals: proposals})
	require.NoError(t, err)
	appendOne(t, h, propose("later", "create", map[string]any{"i": 15}))
	want = append(want, canonicalize.MustHash("later"))

	var got []string
	previous := createBlock(t, h)
	got = append(got, snapshotKeys(t, previous)...)
	assert.Equal(t, 15, previous.Headers.SnapshotCount, "shared timestamp is not split")
	for i := 0; i < 5; i++ {
		b := createBlock(t, h)
		assert.True(t, b.Headers.End.After(b.Headers.Start), "every block advances its window")
		assert.True(t, b.Headers.Start.Equal(previous.Headers.End))
		got = append(got, snapshotKeys(t, b)...)
		previous = b
	}

	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got, "every root anchored exactly once")

	n, err := h.engine.VerifyChain(ctx, crypto.VerifyBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestCreateBlock_SnapshotChaining(t *testing.T) {
	h := publicHarness(t)
	ctx := context.Background()

	createBlock(t, h)
	appendOne(t, h, propose("r1", "add", map[string]any{"n": 2}))
	createBlock(t, h)
	first, err := h.store.LatestSnapshot(ctx, "r1", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, ledger.GenesisPreviousHash, first.Headers.PreviousHash)
	assert.Equal(t, "r1_1", first.Headers.Nonce)
	assert.Equal(t, int64(0), first.Headers.LastEventNumber)

	appendOne(t, h, propose("r1", "add", map[string]any{"n": 3}))
	appendOne(t, h, propose("r1", "add", map[string]any{"n": 4}))
	b := createBlock(t, h)
	assert.Equal(t, 2, b.Headers.EventCount)

	second, err := h.store.LatestSnapshot(ctx, "r1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Headers.PreviousHash)
	assert.Equal(t, int64(2), second.Headers.LastEventNumber)
	assert.Equal(t, 9, toInt(second.State["total"]))

	hash, err := canonicalize.Hash(second.Headers)
	require.NoError(t, err)
	assert.Equal(t, hash, second.Hash)

	agg, err := h.engine.Aggregate(ctx, "r1", ledger.AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, second.Hash, agg.SnapshotHash)
	assert.Equal(t, 9, toInt(agg.State["total"]))
}

func TestCreateBlock_TxGrouping(t *testing.T) {
	h := publicHarness(t)
	ctx := context.Background()
	createBlock(t, h)

	_, err := h.engine.Append(ctx, ledger.AppendRequest{TxID: "tx-a", Proposals: []ledger.Proposal{
		propose("r1", "create", nil),
		propose("r2", "create", nil),
	}})
	require.NoError(t, err)
	_, err = h.engine.Append(ctx, ledger.AppendRequest{TxID: "tx-b", Proposals: []ledger.Proposal{
		propose("r1", "update", nil),
	}})
	require.NoError(t, err)

	b := createBlock(t, h)
	assert.Equal(t, 3, b.Headers.EventCount)
	assert.Equal(t, 2, b.Headers.SnapshotCount)
	assert.Equal(t, 2, b.Headers.TxCount)

	pairs, err := canonicalize.DecodePairs(b.EncodedTxs)
	require.NoError(t, err)
	byKey := map[string]string{}
	for _, p := range pairs {
		byKey[p.Key()] = p.Value()
	}
	events, err := h.engine.EventsByTx(ctx, "tx-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, byKey[canonicalize.MustHash("tx-a")], events[0].Hash)
	assert.Contains(t, byKey[canonicalize.MustHash("tx-a")], events[1].Hash)
}

func TestCreateBlock_PrivatePayloadsAreSealed(t *testing.T) {
	enc, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "ledger.keystore"), "test.network/core/account")
	require.NoError(t, err)
	h := newHarness(t, ledger.Options{}, ledger.WithEncryptor(enc))

	createBlock(t, h)
	appendOne(t, h, propose("r1", "create", map[string]any{"secret": "supersecret"}))
	b := createBlock(t, h)
	require.Equal(t, 1, b.Headers.SnapshotCount)

	for name, blob := range map[string][]byte{"events": b.EncodedEvents, "snapshots": b.EncodedSnapshots} {
		assert.False(t, bytes.Contains(blob, []byte("supersecret")), "%s blob leaks plaintext", name)
	}
	require.NoError(t, ledger.VerifyContents(b, merkle.SHA256))

	// Stored snapshots keep plaintext state for replay.
	agg, err := h.engine.Aggregate(context.Background(), "r1", ledger.AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "supersecret", agg.State["secret"])
}

func TestCreateBlock_PublicBlobsCarryPlaintext(t *testing.T) {
	h := publicHarness(t)
	createBlock(t, h)
	appendOne(t, h, propose("r1", "create", map[string]any{"secret": "visible"}))
	b := createBlock(t, h)
	assert.True(t, bytes.Contains(b.EncodedEvents, []byte("visible")))
}

func TestProve(t *testing.T) {
	h := publicHarness(t)
	ctx := context.Background()
	createBlock(t, h)

	var target ledger.SavedEvent
	for i := 0; i < 5; i++ {
		r := appendOne(t, h, propose(fmt.Sprintf("r%d", i), "create", map[string]any{"i": i}))
		if i == 3 {
			target = r.Events[0]
		}
	}
	b := createBlock(t, h)

	proof, err := h.engine.Prove(ctx, b.Headers.Number, ledger.ProofEvents, target.Hash)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyInclusionProof(proof, b.Headers.EventsRoot))

	proof, err = h.engine.Prove(ctx, b.Headers.Number, ledger.ProofSnapshots, "r2")
	require.NoError(t, err)
	assert.True(t, merkle.VerifyInclusionProof(proof, b.Headers.SnapshotsRoot))

	_, err = h.engine.Prove(ctx, b.Headers.Number, ledger.ProofSnapshots, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.engine.Prove(ctx, 99, ledger.ProofEvents, target.Hash)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.engine.Prove(ctx, b.Headers.Number, "bogus", "x")
	var verr *ledger.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// tamperStore flips one block's signature on read.
type tamperStore struct {
	*store.MemoryStore
	number int64
}

func (s *tamperStore) BlockByNumber(ctx context.Context, n int64) (*ledger.Block, error) {
	b, err := s.MemoryStore.BlockByNumber(ctx, n)
	if err == nil && n == s.number {
		b.Signature = strings.Repeat("0", len(b.Signature))
	}
	return b, err
}

func TestVerifyChain(t *testing.T) {
	h := publicHarness(t)
	ctx := context.Background()

	n, err := h.engine.VerifyChain(ctx, crypto.VerifyBlock)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		appendOne(t, h, propose(fmt.Sprintf("r%d", i), "create", nil))
		createBlock(t, h)
	}
	n, err = h.engine.VerifyChain(ctx, crypto.VerifyBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	tampered, err := ledger.New(&tamperStore{MemoryStore: h.store, number: 1}, testHandlers(), ledger.Options{Public: true})
	require.NoError(t, err)
	_, err = tampered.VerifyChain(ctx, crypto.VerifyBlock)
	var chainErr *ledger.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, int64(1), chainErr.Number)
}

func TestVerifyContents_DetectsBlobTampering(t *testing.T) {
	h := publicHarness(t)
	createBlock(t, h)
	appendOne(t, h, propose("r1", "create", map[string]any{"x": 1}))
	b := createBlock(t, h)
	require.NoError(t, ledger.VerifyContents(b, merkle.SHA256))

	other := *b
	pairs, err := canonicalize.DecodePairs(b.EncodedSnapshots)
	require.NoError(t, err)
	pairs[0] = canonicalize.Pair{pairs[0].Key(), pairs[0].Value() + " "}
	other.EncodedSnapshots, err = canonicalize.EncodePairs(pairs)
	require.NoError(t, err)
	other.Headers.SnapshotsByteSize = len(other.EncodedSnapshots)
	assert.Error(t, ledger.VerifyContents(&other, merkle.SHA256))
}

// Property: anchoring never changes what an aggregate replays to.
func TestReplayIsIndependentOfBlocks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregate with snapshots equals aggregate without", prop.ForAll(
		func(amounts []int, blockEvery int) bool {
			ctx := context.Background()
			anchored := newHarness(t, ledger.Options{Public: true, BlockLimit: 3})
			plain := newHarness(t, ledger.Options{Public: true})
			if _, err := anchored.engine.CreateBlock(ctx); err != nil {
				return false
			}

			for i, amount := range amounts {
				p := propose(fmt.Sprintf("r%d", i%4), "add", map[string]any{"n": amount})
				p.TraceID = fmt.Sprintf("t%d", i%3)
				for _, h := range []*harness{anchored, plain} {
					if _, err := h.engine.Append(ctx, ledger.AppendRequest{Proposals: []ledger.Proposal{p}}); err != nil {
						return false
					}
				}
				if (i+1)%blockEvery == 0 {
					if _, err := anchored.engine.CreateBlock(ctx); err != nil {
						return false
					}
				}
			}

			for r := 0; r < 4; r++ {
				root := fmt.Sprintf("r%d", r)
				a, err := anchored.engine.Aggregate(ctx, root, ledger.AggregateOptions{})
				if err != nil {
					return false
				}
				b, err := plain.engine.Aggregate(ctx, root, ledger.AggregateOptions{})
				if err != nil {
					return false
				}
				if (a == nil) != (b == nil) {
					return false
				}
				if a == nil {
					continue
				}
				if toInt(a.State["total"]) != toInt(b.State["total"]) ||
					a.LastEventNumber != b.LastEventNumber ||
					fmt.Sprint(a.Trace) != fmt.Sprint(b.Trace) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-50, 50)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

type blockRecorder struct {
	headers []ledger.BlockHeaders
}

func (r *blockRecorder) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (r *blockRecorder) RecordBlock(_ context.Context, h ledger.BlockHeaders) {
	r.headers = append(r.headers, h)
}

func TestCreateBlock_RecordsVolume(t *testing.T) {
	rec := &blockRecorder{}
	h := newHarness(t, ledger.Options{Public: true}, ledger.WithTracker(rec))

	createBlock(t, h)
	appendOne(t, h, propose("r1", "create", map[string]any{"x": 1}))
	appendOne(t, h, propose("r2", "create", map[string]any{"x": 2}))
	b := createBlock(t, h)

	require.Len(t, rec.headers, 2)
	assert.Equal(t, int64(0), rec.headers[0].Number)
	assert.Equal(t, b.Headers, rec.headers[1])
	assert.Equal(t, 2, rec.headers[1].SnapshotCount)
}
