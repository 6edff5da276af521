package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSingleWriterPerKey(t *testing.T) {
	km := NewKeyedMutex(8)

	keys := []string{"r1\x00LYO", "r1\x00PAR", "r2\x00LYO"}
	counters := make(map[string]*int, len(keys))
	for _, key := range keys {
		counters[key] = new(int)
	}

	// unsynchronized increments race unless every key serializes
	// through its shard; run with -race to catch regressions.
	var wg sync.WaitGroup
	for _, key := range keys {
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				km.WithLock(k, func() {
					*counters[k]++
				})
			}(key)
		}
	}
	wg.Wait()

	for _, key := range keys {
		assert.Equal(t, 100, *counters[key])
	}
}

func TestKeyedMutexZeroShards(t *testing.T) {
	km := NewKeyedMutex(0)
	done := false
	km.WithLock("any", func() { done = true })
	assert.True(t, done)
}

func TestKeyedMutexLockUnlock(t *testing.T) {
	km := NewKeyedMutex(4)
	km.Lock("a")
	km.Unlock("a")
	km.Lock("a")
	km.Unlock("a")
}
