// Package syncutil provides in-process locking keyed by record id.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work on the same key (an order id, a withdrawal
// id) with a bounded pool of channel-based locks. Distinct keys may share
// a shard. Waiting respects context cancellation.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a ready-to-use KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock function. If ctx ends first, Lock returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardFor(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
