// Package store provides ledger persistence: an in-memory store for tests
// and single-process use, and a database/sql store for Postgres and SQLite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blossm-network/packages/pkg/ledger"
)

// MemoryStore is a ledger.Store held in process memory. Commits are
// serialized and applied atomically.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string][]ledger.Event
	idempotency map[string]bool
	next        map[string]int64
	updated     map[string]time.Time
	snapshots   map[string][]ledger.Snapshot
	blocks      []ledger.Block
	txs         map[string][]eventRef
}

type eventRef struct {
	root   string
	number int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]ledger.Event),
		idempotency: make(map[string]bool),
		next:        make(map[string]int64),
		updated:     make(map[string]time.Time),
		snapshots:   make(map[string][]ledger.Snapshot),
		txs:         make(map[string][]eventRef),
	}
}

func (s *MemoryStore) IdempotencyConflict(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idempotency[key], nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, root string, at time.Time) (*ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[root]
	for i := len(snaps) - 1; i >= 0; i-- {
		if at.IsZero() || !snaps[i].Headers.Created.After(at) {
			snap := snaps[i]
			return &snap, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) EachEvent(ctx context.Context, q ledger.EventQuery, fn func(ledger.Event) error) error {
	s.mu.RLock()
	events := append([]ledger.Event(nil), s.events[q.Root]...)
	s.mu.RUnlock()

	for _, ev := range events {
		if ev.Number <= q.AfterNumber {
			continue
		}
		if !q.CreatedOnOrBefore.IsZero() && ev.Created.After(q.CreatedOnOrBefore) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) CountEvents(_ context.Context, root string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[root])), nil
}

func (s *MemoryStore) EachRoot(ctx context.Context, q ledger.RootQuery, fn func(ledger.RootActivity) error) error {
	s.mu.RLock()
	var roots []ledger.RootActivity
	for root, updated := range s.updated {
		if !q.UpdatedOnOrAfter.IsZero() && updated.Before(q.UpdatedOnOrAfter) {
			continue
		}
		if !q.UpdatedBefore.IsZero() && !updated.Before(q.UpdatedBefore) {
			continue
		}
		roots = append(roots, ledger.RootActivity{Root: root, Updated: updated})
	}
	s.mu.RUnlock()

	sortRoots(roots, q.Reverse)
	if q.Limit > 0 && len(roots) > q.Limit {
		roots = roots[:q.Limit]
	}
	for _, ra := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ra); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) LatestBlock(_ context.Context) (*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	b := s.blocks[len(s.blocks)-1]
	return &b, nil
}

func (s *MemoryStore) BlockByNumber(_ context.Context, number int64) (*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if number < 0 || number >= int64(len(s.blocks)) {
		return nil, ledger.ErrNotFound
	}
	b := s.blocks[number]
	return &b, nil
}

func (s *MemoryStore) EventsByTx(_ context.Context, txID string) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.txs[txID]
	out := make([]ledger.Event, 0, len(refs))
	for _, r := range refs {
		out = append(out, s.events[r.root][r.number])
	}
	return out, nil
}

// Commit stages fn's writes and applies them only if fn succeeds.
func (s *MemoryStore) Commit(ctx context.Context, fn func(context.Context, ledger.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &memoryWriter{
		s:       s,
		next:    make(map[string]int64),
		updated: make(map[string]time.Time),
		keys:    make(map[string]bool),
	}
	if err := fn(ctx, w); err != nil {
		return err
	}

	for root, n := range w.next {
		s.next[root] = n
	}
	for root, t := range w.updated {
		s.updated[root] = t
	}
	// Events arrive in number order per root, so each root's slice stays
	// indexed by number.
	for _, ev := range w.events {
		s.events[ev.Root] = append(s.events[ev.Root], ev)
		if ev.IdempotencyKey != "" {
			s.idempotency[ev.IdempotencyKey] = true
		}
		s.txs[ev.TxID] = append(s.txs[ev.TxID], eventRef{root: ev.Root, number: ev.Number})
	}
	for _, snap := range w.snapshots {
		s.snapshots[snap.Headers.Root] = append(s.snapshots[snap.Headers.Root], snap)
	}
	s.blocks = append(s.blocks, w.blocks...)
	return nil
}

type memoryWriter struct {
	s         *MemoryStore
	next      map[string]int64
	updated   map[string]time.Time
	keys      map[string]bool
	events    []ledger.Event
	snapshots []ledger.Snapshot
	blocks    []ledger.Block
}

func (w *memoryWriter) ReserveNumbers(_ context.Context, root string, n int, updated time.Time) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("store: reserve %d numbers for %s", n, root)
	}
	first, ok := w.next[root]
	if !ok {
		first = w.s.next[root]
	}
	w.next[root] = first + int64(n)
	w.updated[root] = updated
	return first, nil
}

func (w *memoryWriter) SaveEvents(_ context.Context, events []ledger.Event) error {
	for _, ev := range events {
		if ev.IdempotencyKey != "" {
			if w.s.idempotency[ev.IdempotencyKey] || w.keys[ev.IdempotencyKey] {
				return ledger.ErrIdempotencyConflict
			}
			w.keys[ev.IdempotencyKey] = true
		}
		next, ok := w.next[ev.Root]
		if !ok {
			next = w.s.next[ev.Root]
		}
		if ev.Number >= next {
			return fmt.Errorf("store: event %s#%d was not reserved", ev.Root, ev.Number)
		}
	}
	w.events = append(w.events, events...)
	return nil
}

func (w *memoryWriter) SaveSnapshot(_ context.Context, snap ledger.Snapshot) error {
	w.snapshots = append(w.snapshots, snap)
	return nil
}

func (w *memoryWriter) SaveBlock(_ context.Context, b ledger.Block) error {
	want := int64(len(w.s.blocks) + len(w.blocks))
	if b.Headers.Number != want {
		return fmt.Errorf("store: block %d out of sequence, next is %d", b.Headers.Number, want)
	}
	w.blocks = append(w.blocks, b)
	return nil
}

func sortRoots(roots []ledger.RootActivity, reverse bool) {
	sort.Slice(roots, func(i, j int) bool {
		a, b := roots[i], roots[j]
		if !a.Updated.Equal(b.Updated) {
			if reverse {
				return a.Updated.After(b.Updated)
			}
			return a.Updated.Before(b.Updated)
		}
		if reverse {
			return a.Root > b.Root
		}
		return a.Root < b.Root
	})
}
