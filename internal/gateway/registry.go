package gateway

import (
	"hash/maphash"
	"sync"

	"github.com/samber/lo"
)

const shardCount = 64

// index maps a key (user id or room id) to the set of connections under it.
// Keys are spread over independently locked shards so unrelated users and
// rooms never contend on the same mutex.
type index struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

type shard struct {
	mu  sync.RWMutex
	set map[string]map[*Conn]struct{}
}

func newIndex() *index {
	ix := &index{seed: maphash.MakeSeed()}
	for i := range ix.shards {
		ix.shards[i].set = make(map[string]map[*Conn]struct{})
	}
	return ix
}

func (ix *index) shard(key string) *shard {
	return &ix.shards[maphash.String(ix.seed, key)%shardCount]
}

// add reports whether c was not already present under key.
func (ix *index) add(key string, c *Conn) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.set[key]
	if !ok {
		conns = make(map[*Conn]struct{})
		s.set[key] = conns
	}
	if _, exists := conns[c]; exists {
		return false
	}
	conns[c] = struct{}{}
	return true
}

// remove deletes c under key and reports whether c was present and whether
// the key has no connections left.
func (ix *index) remove(key string, c *Conn) (removed, empty bool) {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.set[key]
	if !ok {
		return false, true
	}
	if _, removed = conns[c]; removed {
		delete(conns, c)
	}
	if len(conns) == 0 {
		delete(s.set, key)
		return removed, true
	}
	return removed, false
}

// snapshot copies the connections under key so callers can deliver without
// holding the shard lock.
func (ix *index) snapshot(key string) []*Conn {
	s := ix.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.set[key])
}

func (ix *index) count(key string) int {
	s := ix.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set[key])
}

func (ix *index) contains(key string, c *Conn) bool {
	s := ix.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[key][c]
	return ok
}
