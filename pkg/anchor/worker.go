// Package anchor runs block creation in response to scheduled anchoring
// work.
package anchor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/blossm-network/packages/pkg/bus"
	"github.com/blossm-network/packages/pkg/ledger"
)

// Queue yields scheduled tx ids. bus.RedisScheduler and bus.LocalScheduler
// implement it.
type Queue interface {
	// Next waits for one id. It returns bus.ErrEmpty when nothing arrived.
	Next(ctx context.Context) (string, error)
	// Drain consumes every id already queued.
	Drain(ctx context.Context) (int, error)
}

// BlockCreator is satisfied by *ledger.Engine.
type BlockCreator interface {
	CreateBlock(ctx context.Context) (*ledger.Block, error)
}

// Config tunes the worker.
type Config struct {
	// Interval is the minimum spacing between blocks.
	Interval time.Duration
	Burst    int
	// BlockLimit is the engine's per-block root limit. A block that reaches
	// it is followed immediately by another, since roots may remain.
	BlockLimit int
	// RetryDelay is the pause after a queue or block error.
	RetryDelay time.Duration
}

// Worker coalesces scheduled tx ids into CreateBlock calls, at most one per
// Interval.
type Worker struct {
	queue   Queue
	creator BlockCreator
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewWorker(queue Queue, creator BlockCreator, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		creator: creator,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With("component", "anchor"),
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		txID, err := w.queue.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, bus.ErrEmpty):
			continue
		case err != nil:
			w.logger.WarnContext(ctx, "anchor queue read failed", "error", err)
			if !w.pause(ctx) {
				return nil
			}
			continue
		}

		w.logger.DebugContext(ctx, "anchoring scheduled", "tx", txID)
		if err := w.anchor(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.ErrorContext(ctx, "block creation failed", "error", err)
			if !w.pause(ctx) {
				return nil
			}
		}
	}
}

// anchor creates blocks until one is not full.
func (w *Worker) anchor(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		drained, err := w.queue.Drain(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "anchor queue drain failed", "error", err)
		}
		block, err := w.creator.CreateBlock(ctx)
		if err != nil {
			return err
		}
		w.logger.InfoContext(ctx, "anchored",
			"block", block.Headers.Number,
			"coalesced", drained+1,
			"snapshots", block.Headers.SnapshotCount,
		)
		if w.cfg.BlockLimit < 2 || block.Headers.SnapshotCount < w.cfg.BlockLimit-1 {
			return nil
		}
	}
}

func (w *Worker) pause(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
