// Package syncutil serializes work per key, such as per-account scoring.
package syncutil

import (
	"context"
	"hash/maphash"
)

// DefaultShards is the pool size used by NewKeyedMutex when shards <= 0.
const DefaultShards = 256

// KeyedMutex serializes callers that share a key using a fixed pool of
// channel-backed locks. Memory stays bounded no matter how many keys are
// seen; two keys may share a shard and then contend with each other.
type KeyedMutex struct {
	seed   maphash.Seed
	shards []chan struct{}
}

// NewKeyedMutex creates a pool of the given size.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{
		seed:   maphash.MakeSeed(),
		shards: make([]chan struct{}, shards),
	}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until key's shard is free or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's shard only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// SameShard reports whether two keys contend for the same lock.
func (m *KeyedMutex) SameShard(a, b string) bool {
	return m.index(a) == m.index(b)
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	return m.shards[m.index(key)]
}

func (m *KeyedMutex) index(key string) uint64 {
	return maphash.String(m.seed, key) % uint64(len(m.shards))
}
