package util

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex provides per-key mutual exclusion over a fixed set of
// shards. Aggregation state is keyed by (rule, site); sharding keeps
// two imports for unrelated keys from serializing against each other
// while still guaranteeing single-writer semantics per key.
type KeyedMutex struct {
	shards []sync.Mutex
}

// NewKeyedMutex creates a keyed mutex with the given shard count
// (rounded up to at least 1).
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards < 1 {
		shards = 1
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

func (km *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &km.shards[int(h.Sum32())%len(km.shards)]
}

// Lock acquires the shard lock owning key.
func (km *KeyedMutex) Lock(key string) {
	km.shard(key).Lock()
}

// Unlock releases the shard lock owning key.
func (km *KeyedMutex) Unlock(key string) {
	km.shard(key).Unlock()
}

// WithLock runs fn while holding the key's lock.
func (km *KeyedMutex) WithLock(key string, fn func()) {
	km.Lock(key)
	defer km.Unlock(key)
	fn()
}
