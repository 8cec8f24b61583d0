package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blossm-network/packages/pkg/api"
	"github.com/blossm-network/packages/pkg/crypto"
	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(newTestServer(t).URL+"/", WithTimeout(5*time.Second))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	handlers := ledger.MustHandlers(
		ledger.Action{Name: "add", Apply: func(state, payload map[string]any) (map[string]any, error) {
			if state == nil {
				state = map[string]any{}
			}
			total, _ := state["total"].(float64)
			amount, _ := payload["amount"].(float64)
			state["total"] = total + amount
			return state, nil
		}},
	)
	signer, err := crypto.NewEd25519Signer("client-test")
	require.NoError(t, err)
	e, err := ledger.New(store.NewMemoryStore(), handlers,
		ledger.Options{Network: "test", Domain: "account", Service: "core", Public: true},
		ledger.WithSigner(signer))
	require.NoError(t, err)

	var mu sync.Mutex
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	})

	srv := httptest.NewServer(api.NewServer(e, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func add(root string, amount float64) Event {
	return Event{
		Headers: api.EventHeaders{Root: root, Topic: "account.add", Action: "add"},
		Payload: map[string]any{"amount": amount},
	}
}

func TestClient_AppendAndRead(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	tx, err := c.Append(ctx, "", add("r1", 2), add("r1", 3))
	require.NoError(t, err)
	assert.NotEmpty(t, tx)
	_, err = c.Append(ctx, "", add("r2", 1))
	require.NoError(t, err)

	count, err := c.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	agg, err := c.Aggregate(ctx, "r1", AggregateOptions{IncludeEvents: true})
	require.NoError(t, err)
	assert.Equal(t, 5.0, agg.State["total"])
	assert.Equal(t, int64(1), agg.LastEventNumber)
	assert.Len(t, agg.Events, 2)

	events, err := c.EventsByTx(ctx, tx)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = c.Aggregate(ctx, "missing", AggregateOptions{})
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestClient_Errors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "", Event{
		Headers: api.EventHeaders{Root: "r1", Topic: "t", Action: "burn"},
		Payload: map[string]any{},
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "action", apiErr.Field)
	assert.NotEmpty(t, apiErr.RequestID)

	four := int64(4)
	stale := add("r1", 1)
	stale.Number = &four
	_, err = c.Append(ctx, "", stale)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)

	err = c.StreamAggregates(ctx, RootQuery{}, time.Time{}, "state.total +", func(*ledger.Aggregate) error { return nil })
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "filter", apiErr.Field)
}

func TestClient_Streams(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, root := range []string{"a", "b", "c"} {
		_, err := c.Append(ctx, "", add(root, 1))
		require.NoError(t, err)
	}
	_, err := c.Append(ctx, "", add("b", 4))
	require.NoError(t, err)

	var roots []string
	require.NoError(t, c.StreamRoots(ctx, RootQuery{Parallel: 1}, func(ra ledger.RootActivity) error {
		roots = append(roots, ra.Root)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, roots)

	var matched []string
	require.NoError(t, c.StreamAggregates(ctx, RootQuery{}, time.Time{}, "state.total >= 2.0", func(agg *ledger.Aggregate) error {
		matched = append(matched, agg.Root)
		return nil
	}))
	assert.Equal(t, []string{"b"}, matched)

	var none int
	require.NoError(t, c.StreamAggregates(ctx, RootQuery{}, time.Time{}, "root == 'zzz'", func(*ledger.Aggregate) error {
		none++
		return nil
	}))
	assert.Zero(t, none)

	found, err := c.Query(ctx, RootQuery{}, time.Time{}, "state.total >= 2.0")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].Root)
	assert.Equal(t, 5.0, found[0].State["total"])
}

func TestClient_BlocksAndVerifiedProof(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.LatestBlock(ctx)
	assert.True(t, IsNotFound(err), "got %v", err)

	genesis, err := c.CreateBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), genesis.Headers.Number)

	tx, err := c.Append(ctx, "", add("r1", 4))
	require.NoError(t, err)

	block, err := c.CreateBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), block.Headers.Number)
	assert.Equal(t, genesis.Hash, block.Headers.PreviousHash)

	latest, err := c.LatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, latest.Hash)

	verified, proof, err := c.VerifiedProof(ctx, 1, ledger.ProofTxs, tx)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, verified.Hash)
	assert.Equal(t, block.Headers.TxsRoot, proof.MerkleRoot)

	_, _, err = c.VerifiedProof(ctx, 1, ledger.ProofSnapshots, "r1")
	require.NoError(t, err)

	_, _, err = c.VerifiedProof(ctx, 1, ledger.ProofSnapshots, "r2")
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = c.Block(ctx, 9)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestClient_VerifiedProofRejectsProofForAnotherLeaf(t *testing.T) {
	upstream := newTestServer(t)
	ctx := context.Background()
	direct := New(upstream.URL+"/", WithTimeout(5*time.Second))

	_, err := direct.CreateBlock(ctx)
	require.NoError(t, err)
	_, err = direct.Append(ctx, "", add("r1", 1), add("r2", 2))
	require.NoError(t, err)
	_, err = direct.CreateBlock(ctx)
	require.NoError(t, err)

	// Answers every proof for r2 or r3 with r1's genuine proof.
	swap := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		for _, id := range []string{"r2", "r3"} {
			path = strings.Replace(path, "/proofs/snapshots/"+id, "/proofs/snapshots/r1", 1)
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.URL+path, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(swap.Close)
	c := New(swap.URL+"/", WithTimeout(5*time.Second))

	_, _, err = c.VerifiedProof(ctx, 1, ledger.ProofSnapshots, "r1")
	require.NoError(t, err)

	_, _, err = c.VerifiedProof(ctx, 1, ledger.ProofSnapshots, "r2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proof is for leaf")

	_, _, err = c.VerifiedProof(ctx, 1, ledger.ProofSnapshots, "r3")
	assert.Error(t, err, "a root absent from the block is never verified")
}
