package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Append atomically persists a batch of proposals.
//
// Proposals whose idempotency key already exists in the store, or was
// already used by an earlier proposal in the same batch, are dropped
// silently. The survivors are numbered and saved in one transaction; an
// expected-number mismatch rolls the whole batch back with a
// ConflictError. After commit each distinct topic is published once and
// the tx is scheduled for anchoring once. A failure there is returned as a
// PublishError alongside the receipt, since the write has already landed.
//
// Actions are not resolved against the registered handlers here. An event
// whose action has no handler fails with UnrecognizedActionError when it is
// replayed.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (receipt *Receipt, err error) {
	ctx, done := e.tracker.TrackOperation(ctx, "ledger.append",
		append(e.attrs("append"), attribute.Int("ledger.proposals", len(req.Proposals)))...)
	defer func() { done(err) }()

	if err := e.validateProposals(req.Proposals); err != nil {
		return nil, err
	}
	txID := req.TxID
	if txID == "" {
		txID = uuid.NewString()
	}

	var events []Event
	var dropped int
	for attempt := 0; ; attempt++ {
		survivors, err := e.dedupe(ctx, req.Proposals)
		if err != nil {
			return nil, err
		}
		dropped = len(req.Proposals) - len(survivors)
		if len(survivors) == 0 {
			events = nil
			break
		}

		events, err = e.commitProposals(ctx, txID, survivors)
		if err == nil {
			break
		}
		if errors.Is(err, ErrIdempotencyConflict) && attempt < e.opts.IdempotencyRetries {
			e.logger.WarnContext(ctx, "idempotency key claimed concurrently, retrying append",
				"tx", txID, "attempt", attempt+1)
			continue
		}
		return nil, err
	}

	receipt = &Receipt{TxID: txID, Events: make([]SavedEvent, len(events)), Dropped: dropped}
	for i, ev := range events {
		receipt.Events[i] = SavedEvent{Root: ev.Root, Topic: ev.Topic, Number: ev.Number, Hash: ev.Hash, Saved: ev.Saved}
	}
	if len(events) == 0 {
		return receipt, nil
	}

	if err := e.notify(ctx, txID, events); err != nil {
		e.logger.ErrorContext(ctx, "post-commit notification failed", "tx", txID, "error", err)
		return receipt, err
	}
	return receipt, nil
}

func (e *Engine) validateProposals(proposals []Proposal) error {
	if len(proposals) == 0 {
		return &ValidationError{Index: -1, Field: "proposals", Message: "at least one proposal is required"}
	}
	for i, p := range proposals {
		switch {
		case p.Root == "":
			return &ValidationError{Index: i, Field: "root", Message: "is required"}
		case p.Topic == "":
			return &ValidationError{Index: i, Field: "topic", Message: "is required"}
		case p.Action == "":
			return &ValidationError{Index: i, Field: "action", Message: "is required"}
		case p.Number != nil && *p.Number < 0:
			return &ValidationError{Index: i, Field: "number", Message: "must not be negative"}
		}
		if err := e.handlers.Validate(p.Action, p.Payload); err != nil {
			return &ValidationError{Index: i, Field: "payload", Message: err.Error()}
		}
	}
	return nil
}

// dedupe drops proposals whose idempotency key is already stored or was
// claimed by an earlier proposal in the batch. Store lookups run
// concurrently; the in-batch pass keeps the first occurrence.
func (e *Engine) dedupe(ctx context.Context, proposals []Proposal) ([]Proposal, error) {
	stored := make([]bool, len(proposals))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range proposals {
		if p.IdempotencyKey == "" {
			continue
		}
		g.Go(func() error {
			conflict, err := e.store.IdempotencyConflict(gctx, p.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("ledger: idempotency check: %w", err)
			}
			stored[i] = conflict
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	survivors := make([]Proposal, 0, len(proposals))
	for i, p := range proposals {
		if p.IdempotencyKey != "" {
			if stored[i] || seen[p.IdempotencyKey] {
				continue
			}
			seen[p.IdempotencyKey] = true
		}
		survivors = append(survivors, p)
	}
	return survivors, nil
}

// commitProposals reserves numbers per root and saves the events in one
// transaction.
func (e *Engine) commitProposals(ctx context.Context, txID string, proposals []Proposal) ([]Event, error) {
	saved := e.now()

	var roots []string
	byRoot := make(map[string][]int)
	for i, p := range proposals {
		if _, ok := byRoot[p.Root]; !ok {
			roots = append(roots, p.Root)
		}
		byRoot[p.Root] = append(byRoot[p.Root], i)
	}

	events := make([]Event, len(proposals))
	err := e.store.Commit(ctx, func(ctx context.Context, w Writer) error {
		for _, root := range roots {
			idx := byRoot[root]
			first, err := w.ReserveNumbers(ctx, root, len(idx), saved)
			if err != nil {
				return fmt.Errorf("ledger: reserve numbers for %s: %w", root, err)
			}
			for offset, i := range idx {
				number := first + int64(offset)
				p := proposals[i]
				if p.Number != nil && *p.Number != number {
					return &ConflictError{Root: root, Expected: *p.Number, Reserved: number}
				}
				ev, err := e.buildEvent(p, txID, number, saved)
				if err != nil {
					return err
				}
				events[i] = ev
			}
		}
		return w.SaveEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (e *Engine) buildEvent(p Proposal, txID string, number int64, saved time.Time) (Event, error) {
	created := saved
	if !p.Created.IsZero() {
		created = normalizeTime(p.Created)
	}
	payload := cloneMap(p.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		Root:           p.Root,
		Domain:         firstNonEmpty(p.Domain, e.opts.Domain),
		Service:        firstNonEmpty(p.Service, e.opts.Service),
		Network:        firstNonEmpty(p.Network, e.opts.Network),
		Topic:          p.Topic,
		Number:         number,
		IdempotencyKey: p.IdempotencyKey,
		Action:         p.Action,
		Created:        created,
		Saved:          saved,
		TraceID:        p.TraceID,
		TxID:           txID,
		Context:        cloneMap(p.Context),
		Payload:        payload,
	}
	hash, err := ev.ContentHash()
	if err != nil {
		return Event{}, fmt.Errorf("ledger: hash event %s#%d: %w", p.Root, number, err)
	}
	ev.Hash = hash
	return ev, nil
}

// notify publishes each distinct topic once and schedules the tx once.
func (e *Engine) notify(ctx context.Context, txID string, events []Event) error {
	var g errgroup.Group
	seen := make(map[string]bool)
	for _, ev := range events {
		if seen[ev.Topic] {
			continue
		}
		seen[ev.Topic] = true
		marker := PublishMarker{From: ev.Saved, Domain: ev.Domain, Service: ev.Service, Network: ev.Network}
		topic := ev.Topic
		g.Go(func() error {
			if err := e.publisher.Publish(ctx, marker, topic); err != nil {
				return &PublishError{Topic: topic, TxID: txID, Err: err}
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := e.scheduler.Schedule(ctx, txID); err != nil {
			return &PublishError{TxID: txID, Err: err}
		}
		return nil
	})
	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
