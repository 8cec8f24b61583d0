// Package bus carries the ledger's post-commit notifications: topic
// publication for downstream projections and the anchoring queue that
// drives block creation.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blossm-network/packages/pkg/ledger"
)

// ErrEmpty is returned by Next when the wait elapsed with nothing queued.
var ErrEmpty = errors.New("bus: queue empty")

// Client is the subset of Redis commands the bus uses. *redis.Client and
// *redis.ClusterClient satisfy it.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
}

// NewClient connects to a single Redis node.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Message is the payload published on a topic channel.
type Message struct {
	Topic string `json:"topic"`
	ledger.PublishMarker
}

// RedisPublisher publishes resume markers with PUBLISH, one channel per topic.
type RedisPublisher struct {
	client Client
	prefix string
}

// NewRedisPublisher publishes to channels named prefix+topic.
func NewRedisPublisher(client Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Publish implements ledger.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, marker ledger.PublishMarker, topic string) error {
	body, err := json.Marshal(Message{Topic: topic, PublishMarker: marker})
	if err != nil {
		return fmt.Errorf("bus: encode marker for %s: %w", topic, err)
	}
	if err := p.client.Publish(ctx, p.prefix+topic, body).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

// RedisScheduler queues tx ids for anchoring. A set of pending ids keeps
// each tx in the list at most once until it is consumed.
type RedisScheduler struct {
	client  Client
	queue   string
	pending string
	poll    time.Duration
}

// NewRedisScheduler uses the list named queue and the set queue+":pending".
func NewRedisScheduler(client Client, queue string) *RedisScheduler {
	return &RedisScheduler{
		client:  client,
		queue:   queue,
		pending: queue + ":pending",
		poll:    5 * time.Second,
	}
}

// Schedule implements ledger.Scheduler.
func (s *RedisScheduler) Schedule(ctx context.Context, txID string) error {
	added, err := s.client.SAdd(ctx, s.pending, txID).Result()
	if err != nil {
		return fmt.Errorf("bus: mark %s pending: %w", txID, err)
	}
	if added == 0 {
		return nil
	}
	if err := s.client.LPush(ctx, s.queue, txID).Err(); err != nil {
		return fmt.Errorf("bus: enqueue %s: %w", txID, err)
	}
	return nil
}

// Next blocks for up to one poll interval for the oldest queued tx id.
func (s *RedisScheduler) Next(ctx context.Context) (string, error) {
	res, err := s.client.BRPop(ctx, s.poll, s.queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("bus: pop %s: %w", s.queue, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("bus: unexpected BRPOP reply %v", res)
	}
	txID := res[1]
	if err := s.client.SRem(ctx, s.pending, txID).Err(); err != nil {
		return "", fmt.Errorf("bus: clear pending %s: %w", txID, err)
	}
	return txID, nil
}

// Drain consumes every queued id without blocking and reports how many
// there were. One block covers all of them.
func (s *RedisScheduler) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		txID, err := s.client.RPop(ctx, s.queue).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("bus: drain %s: %w", s.queue, err)
		}
		if err := s.client.SRem(ctx, s.pending, txID).Err(); err != nil {
			return n, fmt.Errorf("bus: clear pending %s: %w", txID, err)
		}
		n++
	}
}
