// Package ledger implements an append-only, event-sourced store: atomic
// event append with idempotency and per-root sequence reservation,
// deterministic aggregate replay over snapshots, and periodic anchoring of
// accumulated state into signed, hash-chained, Merkle-rooted blocks.
package ledger

import (
	"time"

	"github.com/blossm-network/packages/pkg/canonicalize"
)

// GenesisMarker is hashed to form the previous hash of block 0 and of the
// first snapshot of every root.
const GenesisMarker = "~"

// GenesisStart is the fixed start of the genesis block window; the window
// is [GenesisStart, GenesisStart+1ms).
var GenesisStart = time.Date(2020, time.January, 1, 5, 0, 0, 0, time.UTC)

// GenesisPreviousHash is Hash(GenesisMarker).
var GenesisPreviousHash = canonicalize.MustHash(GenesisMarker)

// Event is a persisted domain event. Events are immutable once saved.
type Event struct {
	Hash           string         `json:"hash"`
	Root           string         `json:"root"`
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	Network        string         `json:"network"`
	Topic          string         `json:"topic"`
	Number         int64          `json:"number"`
	IdempotencyKey string         `json:"idempotency,omitempty"`
	Action         string         `json:"action"`
	Created        time.Time      `json:"created"`
	Saved          time.Time      `json:"saved"`
	TraceID        string         `json:"trace,omitempty"`
	TxID           string         `json:"tx"`
	Context        map[string]any `json:"context,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// eventBody is the hashed portion of an event: everything except the hash
// itself and the storage-assigned save time.
type eventBody struct {
	Root           string         `json:"root"`
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	Network        string         `json:"network"`
	Topic          string         `json:"topic"`
	Number         int64          `json:"number"`
	IdempotencyKey string         `json:"idempotency,omitempty"`
	Action         string         `json:"action"`
	Created        time.Time      `json:"created"`
	TraceID        string         `json:"trace,omitempty"`
	TxID           string         `json:"tx"`
	Context        map[string]any `json:"context,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// ContentHash computes the event hash over its canonical body.
func (e Event) ContentHash() (string, error) {
	return canonicalize.Hash(eventBody{
		Root:           e.Root,
		Domain:         e.Domain,
		Service:        e.Service,
		Network:        e.Network,
		Topic:          e.Topic,
		Number:         e.Number,
		IdempotencyKey: e.IdempotencyKey,
		Action:         e.Action,
		Created:        e.Created,
		TraceID:        e.TraceID,
		TxID:           e.TxID,
		Context:        e.Context,
		Payload:        e.Payload,
	})
}

// SnapshotHeaders are the hashed headers of a snapshot.
type SnapshotHeaders struct {
	Nonce            string    `json:"nonce"`
	Block            int64     `json:"block"`
	ContextHash      string    `json:"contextHash"`
	StateHash        string    `json:"stateHash"`
	PreviousHash     string    `json:"previousHash"`
	Created          time.Time `json:"created"`
	Root             string    `json:"root"`
	Public           bool      `json:"public"`
	Domain           string    `json:"domain"`
	Service          string    `json:"service"`
	Network          string    `json:"network"`
	LastEventNumber  int64     `json:"lastEventNumber"`
	EventCount       int       `json:"eventCount"`
	EventsMerkleRoot string    `json:"eventsMerkleRoot"`
	EventsByteSize   int       `json:"eventsByteSize"`
}

// Snapshot is a root's folded state at the end of a block cycle.
type Snapshot struct {
	Hash          string          `json:"hash"`
	Headers       SnapshotHeaders `json:"headers"`
	Context       map[string]any  `json:"context"`
	State         map[string]any  `json:"state"`
	Trace         []string        `json:"trace,omitempty"`
	EncodedEvents []byte          `json:"events"`
	TxIDs         []string        `json:"txIds"`
}

// BlockHeaders are the hashed and signed headers of a block.
type BlockHeaders struct {
	PreviousHash      string    `json:"previousHash"`
	Created           time.Time `json:"created"`
	Number            int64     `json:"number"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	EventCount        int       `json:"eventCount"`
	SnapshotCount     int       `json:"snapshotCount"`
	TxCount           int       `json:"txCount"`
	EventsRoot        string    `json:"eventsRoot"`
	SnapshotsRoot     string    `json:"snapshotsRoot"`
	TxsRoot           string    `json:"txsRoot"`
	EventsByteSize    int       `json:"eventsByteSize"`
	SnapshotsByteSize int       `json:"snapshotsByteSize"`
	TxsByteSize       int       `json:"txsByteSize"`
	Network           string    `json:"network"`
	Service           string    `json:"service"`
	Domain            string    `json:"domain"`
	PublisherKey      string    `json:"publisherKey"`
}

// Block anchors a window of snapshots, events and tx groupings.
type Block struct {
	Signature        string       `json:"signature"`
	Hash             string       `json:"hash"`
	Headers          BlockHeaders `json:"headers"`
	EncodedEvents    []byte       `json:"events"`
	EncodedSnapshots []byte       `json:"snapshots"`
	EncodedTxs       []byte       `json:"txs"`
}

// Aggregate is a root's state reconstructed on demand. It is never persisted.
type Aggregate struct {
	Root            string         `json:"root"`
	Domain          string         `json:"domain"`
	Service         string         `json:"service"`
	Network         string         `json:"network"`
	LastEventNumber int64          `json:"lastEventNumber"`
	State           map[string]any `json:"state"`
	Context         map[string]any `json:"context"`
	Trace           []string       `json:"trace"`
	Events          []Event        `json:"events,omitempty"`

	// SnapshotHash is the hash of the snapshot replay started from, or
	// empty when replay started from the first event.
	SnapshotHash string `json:"snapshotHash,omitempty"`
}

// RootActivity is one entry of the root stream.
type RootActivity struct {
	Root    string    `json:"root"`
	Updated time.Time `json:"updated"`
}

// Proposal is a candidate event submitted to Append.
type Proposal struct {
	Root           string         `json:"root"`
	Topic          string         `json:"topic"`
	Action         string         `json:"action"`
	Domain         string         `json:"domain,omitempty"`
	Service        string         `json:"service,omitempty"`
	Network        string         `json:"network,omitempty"`
	IdempotencyKey string         `json:"idempotency,omitempty"`
	Created        time.Time      `json:"created"`
	TraceID        string         `json:"trace,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Payload        map[string]any `json:"payload"`

	// Number is the expected sequence number. When set, the append fails
	// with a ConflictError unless it equals the reserved number.
	Number *int64 `json:"number,omitempty"`
}

// AppendRequest is one atomic batch of proposals produced by one request.
type AppendRequest struct {
	TxID      string     `json:"tx,omitempty"`
	Proposals []Proposal `json:"proposals"`
}

// SavedEvent identifies a persisted event.
type SavedEvent struct {
	Root   string    `json:"root"`
	Topic  string    `json:"topic"`
	Number int64     `json:"number"`
	Hash   string    `json:"hash"`
	Saved  time.Time `json:"saved"`
}

// Receipt describes the outcome of an Append.
type Receipt struct {
	TxID    string       `json:"tx"`
	Events  []SavedEvent `json:"events"`
	Dropped int          `json:"dropped"`
}

// PublishMarker tells downstream projections where to resume reading.
type PublishMarker struct {
	From    time.Time `json:"from"`
	Domain  string    `json:"domain"`
	Service string    `json:"service"`
	Network string    `json:"network"`
}
