// Package store wraps the Redis coordination store the bus is built on.
//
// It exposes exactly the primitives the bus needs: atomic add into a named
// sorted collection, atomic pop-of-minimum with handoff into a second
// collection, rank-ordered range reads, channel publish/subscribe, and a
// round-trip ping. Everything else in Redis is off limits by convention so
// the store stays swappable.
//
// Unlike a package-global client, a Store is constructed once at startup and
// passed by handle to every component that needs it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the coordination store could not be reached or
// errored on a call. Callers match it with errors.Is; no retry happens here.
var ErrUnavailable = errors.New("coordination store unavailable")

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Store is a handle to the coordination store.
type Store struct {
	client *redis.Client
}

// popMinInto atomically pops the minimum-score member of KEYS[1] and lands it
// in KEYS[2] scored with ARGV[1] (the handoff timestamp). Single EVAL, so two
// concurrent callers can never receive the same member.
var popMinInto = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// sweepExpired moves every member of KEYS[1] scored at or below ARGV[1] back
// into KEYS[2] scored with ARGV[2]. Returns the number of members moved.
var sweepExpired = redis.NewScript(`
local moved = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[2], m)
  moved = moved + 1
end
return moved
`)

// Open connects to the coordination store and verifies it with a ping.
func Open(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("open: %w: url not configured", ErrUnavailable)
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: invalid url: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("open: %w: %v", ErrUnavailable, err)
	}

	log.Printf("[Store] ✅ Connected to %s", opts.Addr)
	return &Store{client: c}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(c *redis.Client) *Store {
	return &Store{client: c}
}

// Close closes the connection.
func (s *Store) Close() error {
	log.Println("[Store] Connection closed")
	return s.client.Close()
}

// Ping performs a round-trip probe and returns the measured latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("ping: %w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

// Add atomically inserts (member, score) into the named sorted collection.
func (s *Store) Add(ctx context.Context, key, member string, score float64) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("add %s: %w: %v", key, ErrUnavailable, err)
	}
	return nil
}

// PopMinInto atomically removes the minimum-score member of src and inserts
// it into dst scored with the current time. Returns ok=false when src is
// empty. Members with equal score pop in lexicographic member order — the
// documented tie-break for this store.
func (s *Store) PopMinInto(ctx context.Context, src, dst string) (member string, ok bool, err error) {
	now := float64(time.Now().UnixMilli())
	res, err := popMinInto.Run(ctx, s.client, []string{src, dst}, now).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("popmin %s: %w: %v", src, ErrUnavailable, err)
	}
	m, isStr := res.(string)
	if !isStr {
		return "", false, nil
	}
	return m, true, nil
}

// SweepInto moves every member of src scored at or below cutoff back into
// dst, rescored with the current time. Returns the number moved.
func (s *Store) SweepInto(ctx context.Context, src, dst string, cutoff float64) (int64, error) {
	now := float64(time.Now().UnixMilli())
	res, err := sweepExpired.Run(ctx, s.client, []string{src, dst}, cutoff, now).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("sweep %s: %w: %v", src, ErrUnavailable, err)
	}
	return res, nil
}

// Range returns all members of the named sorted collection, ascending by
// score. A missing key reads as empty.
func (s *Store) Range(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w: %v", key, ErrUnavailable, err)
	}
	return members, nil
}

// Card returns the size of the named sorted collection.
func (s *Store) Card(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("card %s: %w: %v", key, ErrUnavailable, err)
	}
	return n, nil
}

// Remove deletes a member from the named sorted collection. Returns true if
// the member was present.
func (s *Store) Remove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w: %v", key, ErrUnavailable, err)
	}
	return n > 0, nil
}

// Delete drops the named keys entirely.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Publish sends payload on the named channel and returns the number of
// subscribers that received it.
func (s *Store) Publish(ctx context.Context, channel, payload string) (int64, error) {
	n, err := s.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w: %v", channel, ErrUnavailable, err)
	}
	return n, nil
}

// Subscribe opens a subscription on the named channels. The subscription is
// confirmed active before this returns, so a subsequent Publish will reach
// it. The caller owns the returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w: %v", ErrUnavailable, err)
	}
	return ps, nil
}
