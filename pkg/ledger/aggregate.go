package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// AggregateOptions bound a replay.
type AggregateOptions struct {
	// At excludes snapshots and events created after it. Zero leaves the
	// replay unbounded, so it includes everything stored so far.
	At time.Time
	// IncludeEvents keeps the replayed events on the result.
	IncludeEvents bool
}

// Aggregate reconstructs root's state from its latest applicable snapshot
// plus the events after it. It returns nil when the root has neither.
// Replay has no side effects: identical store contents produce identical
// aggregates.
func (e *Engine) Aggregate(ctx context.Context, root string, opts AggregateOptions) (agg *Aggregate, err error) {
	ctx, done := e.tracker.TrackOperation(ctx, "ledger.aggregate",
		append(e.attrs("aggregate"), attribute.String("ledger.root", root))...)
	defer func() { done(err) }()

	var at time.Time
	if !opts.At.IsZero() {
		at = normalizeTime(opts.At)
	}

	snapshot, err := e.store.LatestSnapshot(ctx, root, at)
	if err != nil {
		return nil, fmt.Errorf("ledger: load snapshot for %s: %w", root, err)
	}

	agg = &Aggregate{
		Root:            root,
		Domain:          e.opts.Domain,
		Service:         e.opts.Service,
		Network:         e.opts.Network,
		LastEventNumber: -1,
	}
	if snapshot != nil {
		agg.LastEventNumber = snapshot.Headers.LastEventNumber
		agg.State = cloneMap(snapshot.State)
		agg.Context = cloneMap(snapshot.Context)
		agg.Trace = append([]string(nil), snapshot.Trace...)
		agg.SnapshotHash = snapshot.Hash
	}

	replayed := 0
	err = e.store.EachEvent(ctx, EventQuery{
		Root:              root,
		AfterNumber:       agg.LastEventNumber,
		CreatedOnOrBefore: at,
	}, func(ev Event) error {
		next, err := e.handlers.apply(agg.State, ev)
		if err != nil {
			return err
		}
		agg.State = next
		agg.LastEventNumber = ev.Number
		agg.Trace = pushTrace(agg.Trace, ev.TraceID)
		agg.Context = intersectContext(agg.Context, ev.Context)
		if opts.IncludeEvents {
			agg.Events = append(agg.Events, ev)
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if snapshot == nil && replayed == 0 {
		return nil, nil
	}
	if agg.State == nil {
		agg.State = map[string]any{}
	}
	if agg.Trace == nil {
		agg.Trace = []string{}
	}
	if opts.IncludeEvents && agg.Events == nil {
		agg.Events = []Event{}
	}
	return agg, nil
}
