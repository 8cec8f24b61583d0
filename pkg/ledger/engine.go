package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/blossm-network/packages/pkg/merkle"
)

// Options enumerates every recognized engine setting.
type Options struct {
	Network string
	Domain  string
	Service string

	// Public stores snapshot state and event payloads in block blobs as
	// plaintext. When false an Encryptor is required.
	Public bool

	// BlockLimit caps the number of roots anchored per block. Default 100.
	BlockLimit int
	// BlockParallelism bounds concurrent root processing during block
	// creation. Zero means max(1, BlockLimit/10).
	BlockParallelism int
	// EncryptParallelism bounds concurrent payload encryption per root.
	// Default 8.
	EncryptParallelism int
	// IdempotencyRetries is how many times Append re-runs after a racing
	// writer claimed an idempotency key between check and commit. Default 3.
	IdempotencyRetries int

	MerkleHash merkle.Algorithm
}

func (o Options) withDefaults() Options {
	if o.BlockLimit == 0 {
		o.BlockLimit = 100
	}
	if o.BlockParallelism <= 0 {
		o.BlockParallelism = max(1, o.BlockLimit/10)
	}
	if o.EncryptParallelism <= 0 {
		o.EncryptParallelism = 8
	}
	if o.IdempotencyRetries <= 0 {
		o.IdempotencyRetries = 3
	}
	if o.MerkleHash == "" {
		o.MerkleHash = merkle.SHA256
	}
	return o
}

// Tracker instruments engine operations with spans and RED metrics.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// BlockRecorder is implemented by trackers that also count what each new
// block anchored.
type BlockRecorder interface {
	RecordBlock(ctx context.Context, headers BlockHeaders)
}

type noopTracker struct{}

func (noopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Engine owns append, aggregation and block anchoring for one event store.
type Engine struct {
	store     Store
	handlers  *Handlers
	opts      Options
	publisher Publisher
	scheduler Scheduler
	signer    Signer
	encryptor Encryptor
	archiver  Archiver
	tracker   Tracker
	logger    *slog.Logger
	clock     func() time.Time

	// blockMu makes block creation single-writer within a process.
	blockMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the post-commit topic publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithScheduler sets the post-commit anchoring scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithSigner sets the block signer. CreateBlock fails without one.
func WithSigner(s Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithEncryptor sets the encryptor used for private blocks.
func WithEncryptor(enc Encryptor) Option {
	return func(e *Engine) { e.encryptor = enc }
}

// WithTracker sets the operation instrumentation.
func WithTracker(t Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over store. Every action the store may contain
// must be registered in handlers.
func New(store Store, handlers *Handlers, opts Options, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if handlers == nil {
		return nil, errors.New("ledger: handlers are required")
	}
	opts = opts.withDefaults()
	if opts.BlockLimit < 2 {
		return nil, fmt.Errorf("ledger: block limit must be at least 2, got %d", opts.BlockLimit)
	}
	if _, err := merkle.ParseAlgorithm(string(opts.MerkleHash)); err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		handlers:  handlers,
		opts:      opts,
		publisher: noopPublisher{},
		scheduler: noopScheduler{},
		tracker:   noopTracker{},
		logger:    slog.Default().With("component", "ledger"),
		clock:     time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	if !opts.Public && e.encryptor == nil {
		return nil, errors.New("ledger: an encryptor is required unless the store is public")
	}
	return e, nil
}

// WithClock overrides clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Options returns the effective engine options.
func (e *Engine) Options() Options { return e.opts }

// Handlers returns the action mapping used for replay.
func (e *Engine) Handlers() *Handlers { return e.handlers }

func (e *Engine) now() time.Time { return normalizeTime(e.clock()) }

func (e *Engine) attrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("ledger.operation", op),
		attribute.String("ledger.domain", e.opts.Domain),
		attribute.String("ledger.service", e.opts.Service),
	}
}
