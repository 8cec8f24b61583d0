package ledger

import (
	"context"
	"time"
)

// EventQuery selects events of one root in ascending number order.
type EventQuery struct {
	Root string
	// AfterNumber excludes events with number <= AfterNumber. Use -1 for all.
	AfterNumber int64
	// CreatedOnOrBefore excludes events created after it. Zero means unbounded.
	CreatedOnOrBefore time.Time
}

// RootQuery selects entries of the root stream.
type RootQuery struct {
	UpdatedOnOrAfter time.Time
	// UpdatedBefore is exclusive. Zero means unbounded.
	UpdatedBefore time.Time
	// Limit caps the number of roots. Zero means unbounded.
	Limit   int
	Reverse bool
}

// Reader is the read side of the persistence layer.
type Reader interface {
	// IdempotencyConflict reports whether an event with key already exists.
	IdempotencyConflict(ctx context.Context, key string) (bool, error)
	// LatestSnapshot returns the most recent snapshot of root created on or
	// before at, or nil. A zero at means no bound.
	LatestSnapshot(ctx context.Context, root string, at time.Time) (*Snapshot, error)
	EachEvent(ctx context.Context, q EventQuery, fn func(Event) error) error
	CountEvents(ctx context.Context, root string) (int64, error)
	EachRoot(ctx context.Context, q RootQuery, fn func(RootActivity) error) error
	// LatestBlock returns the highest-numbered block, or nil when none exists.
	LatestBlock(ctx context.Context) (*Block, error)
	// BlockByNumber returns ErrNotFound when no block has that number.
	BlockByNumber(ctx context.Context, number int64) (*Block, error)
	EventsByTx(ctx context.Context, txID string) ([]Event, error)
}

// Writer is the transactional write side. Every call made through one
// Writer commits or rolls back together.
type Writer interface {
	// ReserveNumbers atomically reserves n consecutive numbers for root and
	// records updated as its latest activity. It returns the first reserved
	// number; numbers start at zero for a new root.
	ReserveNumbers(ctx context.Context, root string, n int, updated time.Time) (int64, error)
	// SaveEvents persists events. A duplicate idempotency key yields
	// ErrIdempotencyConflict.
	SaveEvents(ctx context.Context, events []Event) error
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	SaveBlock(ctx context.Context, block Block) error
}

// Store is the persistence layer used by the engines.
type Store interface {
	Reader
	// Commit runs fn in one transaction. An error from fn rolls back.
	Commit(ctx context.Context, fn func(ctx context.Context, w Writer) error) error
}

// Publisher notifies downstream consumers that new events exist on topic.
type Publisher interface {
	Publish(ctx context.Context, marker PublishMarker, topic string) error
}

// Scheduler queues anchoring work for a committed transaction.
type Scheduler interface {
	Schedule(ctx context.Context, txID string) error
}

// Signer signs block hashes.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKeyBytes() []byte
}

// Encryptor encrypts private snapshot state and event payloads before they
// are written into block blobs.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, PublishMarker, string) error { return nil }

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, string) error { return nil }
