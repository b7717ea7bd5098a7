package syncutil

import (
	"hash/fnv"
	"sort"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[s.shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}

// LockAll acquires the mutexes for all given keys and returns a single
// unlock function. Shards are locked in ascending index order so two
// callers holding overlapping key sets cannot deadlock; keys that hash
// to the same shard are locked once.
func (s *ShardedMutex) LockAll(keys ...string) func() {
	seen := make(map[uint32]bool, len(keys))
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		i := s.shardIdx(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	for _, i := range idx {
		s.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].Unlock()
		}
	}
}

func (s *ShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
