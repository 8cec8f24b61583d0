package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blossm-network/packages/pkg/ledger"
)

// LocalScheduler is an in-process anchoring queue for single-node
// deployments and tests.
type LocalScheduler struct {
	mu      sync.Mutex
	pending map[string]bool
	order   []string
	signal  chan struct{}
	poll    time.Duration
}

func NewLocalScheduler() *LocalScheduler {
	return &LocalScheduler{
		pending: make(map[string]bool),
		signal:  make(chan struct{}, 1),
		poll:    5 * time.Second,
	}
}

func (s *LocalScheduler) Schedule(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[txID] {
		return nil
	}
	s.pending[txID] = true
	s.order = append(s.order, txID)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

func (s *LocalScheduler) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return "", false
	}
	txID := s.order[0]
	s.order = s.order[1:]
	delete(s.pending, txID)
	return txID, true
}

func (s *LocalScheduler) Next(ctx context.Context) (string, error) {
	if txID, ok := s.pop(); ok {
		return txID, nil
	}
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrEmpty
	case <-s.signal:
	}
	if txID, ok := s.pop(); ok {
		return txID, nil
	}
	return "", ErrEmpty
}

func (s *LocalScheduler) Drain(context.Context) (int, error) {
	n := 0
	for {
		if _, ok := s.pop(); !ok {
			return n, nil
		}
		n++
	}
}

// LogPublisher logs resume markers instead of publishing them.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, marker ledger.PublishMarker, topic string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "events published", "topic", topic, "from", marker.From)
	return nil
}
