package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contagion/internal/circuitbreaker"
	"github.com/mbd888/contagion/internal/metrics"
)

const (
	hopCachePrefix = "contagion:hop:"
	hopCacheGenKey = "contagion:hop:gen"
	noPathMarker   = "-"
	breakerKey     = "hop_cache"
)

// HopCache decorates a Store with a Redis cache for shortest-path lengths,
// the only expensive query on the scoring path. Every other method is served
// by the wrapped store.
//
// Entries are keyed by a generation counter that every write through the
// cache bumps (RecordTransaction, UpsertAccount), so a new edge or fraud
// flag makes every cached path stale at once. Writes made to the
// wrapped store directly are only picked up when entries expire.
//
// Repeated Redis failures open a circuit breaker; while it is open lookups
// go straight to the wrapped store. A bump missed during an outage leaves
// entries stale until their TTL runs out.
type HopCache struct {
	Store
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
}

// NewHopCache wraps store. A zero ttl keeps entries until the next
// generation bump.
func NewHopCache(store Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *HopCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &HopCache{
		Store:   store,
		client:  client,
		ttl:     ttl,
		logger:  logger,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker replaces the default breaker (5 failures, 30s cooldown).
func (c *HopCache) WithBreaker(b *circuitbreaker.Breaker) *HopCache {
	c.breaker = b
	return c
}

func (c *HopCache) key(ctx context.Context, accountID string, maxRelHops int) (string, error) {
	gen, err := c.client.Get(ctx, hopCacheGenKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s%d:%d:%s", hopCachePrefix, gen, maxRelHops, accountID), nil
}

func (c *HopCache) ShortestFraudPathLength(ctx context.Context, accountID string, maxRelHops int) (*int, error) {
	if !c.breaker.Allow(breakerKey) {
		metrics.HopCacheLookupsTotal.WithLabelValues("bypass").Inc()
		return c.Store.ShortestFraudPathLength(ctx, accountID, maxRelHops)
	}

	key, cached, err := c.lookup(ctx, accountID, maxRelHops)
	switch {
	case err == nil:
		c.breaker.RecordSuccess(breakerKey)
		metrics.HopCacheLookupsTotal.WithLabelValues("hit").Inc()
		if cached == noPathMarker {
			return nil, nil
		}
		if v, convErr := strconv.Atoi(cached); convErr == nil {
			return &v, nil
		}
		c.logger.Warn("discarding malformed hop cache entry", "key", key, "value", cached)
	case errors.Is(err, redis.Nil):
		c.breaker.RecordSuccess(breakerKey)
		metrics.HopCacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		c.breaker.RecordFailure(breakerKey)
		metrics.HopCacheLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("hop cache read failed", "account_id", accountID, "error", err)
		return c.Store.ShortestFraudPathLength(ctx, accountID, maxRelHops)
	}

	length, err := c.Store.ShortestFraudPathLength(ctx, accountID, maxRelHops)
	if err != nil {
		return nil, err
	}

	value := noPathMarker
	if length != nil {
		value = strconv.Itoa(*length)
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.breaker.RecordFailure(breakerKey)
		c.logger.Warn("hop cache write failed", "key", key, "error", err)
	}
	return length, nil
}

// lookup reads the current generation, then the entry under it. A missing
// entry is reported as redis.Nil.
func (c *HopCache) lookup(ctx context.Context, accountID string, maxRelHops int) (string, string, error) {
	key, err := c.key(ctx, accountID, maxRelHops)
	if err != nil {
		return "", "", err
	}
	cached, err := c.client.Get(ctx, key).Result()
	return key, cached, err
}

// RecordTransaction writes through to the store, then bumps the generation.
// The transaction is stored even when the bump fails.
func (c *HopCache) RecordTransaction(ctx context.Context, tx Transaction) error {
	if err := c.Store.RecordTransaction(ctx, tx); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("hop cache left stale", "transaction_id", tx.ID, "error", err)
	}
	return nil
}

// UpsertAccount writes through to a store that supports it, then bumps the
// generation: a new fraud flag changes every path length around it.
func (c *HopCache) UpsertAccount(ctx context.Context, id, name string, isFraud bool) error {
	seeder, err := c.seeder()
	if err != nil {
		return err
	}
	if err := seeder.UpsertAccount(ctx, id, name, isFraud); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("hop cache left stale", "account_id", id, "error", err)
	}
	return nil
}

// LinkDevice writes through. Devices are not fraud-path edges, so cached
// lengths stay valid.
func (c *HopCache) LinkDevice(ctx context.Context, accountID, deviceID string) error {
	seeder, err := c.seeder()
	if err != nil {
		return err
	}
	return seeder.LinkDevice(ctx, accountID, deviceID)
}

func (c *HopCache) seeder() (Seeder, error) {
	seeder, ok := c.Store.(Seeder)
	if !ok {
		return nil, errors.New("wrapped store does not accept account writes")
	}
	return seeder, nil
}

// Invalidate drops every cached path by moving to a new generation.
func (c *HopCache) Invalidate(ctx context.Context) error {
	err := c.breaker.Execute(breakerKey, func() error {
		return c.client.Incr(ctx, hopCacheGenKey).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate hop cache: %w", err)
	}
	return nil
}

func (c *HopCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return c.Store.Ping(ctx)
}

func (c *HopCache) Close() error {
	return errors.Join(c.client.Close(), c.Store.Close())
}
