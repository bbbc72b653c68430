package imgcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// tileShardCount partitions the tile index so concurrent lookups do not
// serialize on one lock. Sized for a few dozen worker goroutines.
const tileShardCount = 64

// tileShard is one partition of the tile index: a key map plus a clock
// list ordered oldest-first for second-chance eviction.
type tileShard struct {
	mu    sync.Mutex
	tiles map[tileKey]*Tile
	clock *list.List
}

// tileCache is the sharded, byte-budgeted tile store.
type tileCache struct {
	shards [tileShardCount]tileShard
	mem    atomic.Int64
	count  atomic.Int64
	hand   atomic.Uint32 // next shard the eviction scan visits
}

func (tc *tileCache) init() {
	for i := range tc.shards {
		tc.shards[i].tiles = make(map[tileKey]*Tile)
		tc.shards[i].clock = list.New()
	}
}

func (tc *tileCache) shardFor(key *tileKey) *tileShard {
	var buf [64]byte
	h := xxhash.Sum64(key.hashBytes(&buf))
	return &tc.shards[h%tileShardCount]
}

// find returns the tile for key with an acquired reference, or nil.
func (tc *tileCache) find(key tileKey) *Tile {
	s := tc.shardFor(&key)
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tiles[key]
	if t == nil {
		return nil
	}
	t.refs.Add(1)
	t.used.Store(true)
	return t
}

// insert admits t into the cache with no reference held. When the key
// is already present (admission race) the new tile is discarded and the
// resident one returned, again without a reference; callers acquire
// their reference through find/acquire afterward.
func (tc *tileCache) insert(t *Tile) *Tile {
	s := tc.shardFor(&t.key)
	s.mu.Lock()
	if existing := s.tiles[t.key]; existing != nil {
		existing.used.Store(true)
		s.mu.Unlock()
		return existing
	}
	t.used.Store(true)
	t.elem = s.clock.PushBack(t)
	s.tiles[t.key] = t
	s.mu.Unlock()

	tc.mem.Add(t.size)
	tc.count.Add(1)
	return t
}

// acquire takes a reference on t if it is still resident. It returns
// false when the tile was evicted or invalidated after insertion.
func (tc *tileCache) acquire(t *Tile) bool {
	s := tc.shardFor(&t.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiles[t.key] != t {
		return false
	}
	t.refs.Add(1)
	t.used.Store(true)
	return true
}

// release drops one reference. Storage accounting for removed tiles is
// settled by whichever of release/remove sees the refcount at zero.
func (tc *tileCache) release(t *Tile) {
	n := t.refs.Add(-1)
	if n < 0 {
		panic("imgcache: tile released more times than acquired")
	}
	if n == 0 && t.broken.Load() {
		tc.reclaim(t)
	}
}

// reclaim settles the accounting of a removed tile exactly once.
func (tc *tileCache) reclaim(t *Tile) {
	if t.orphan || !t.reclaimed.CompareAndSwap(false, true) {
		return
	}
	tc.mem.Add(-t.size)
	tc.count.Add(-1)
}

// evictOne runs one second-chance pass over the shard: a tile with its
// used bit set gets it cleared and moves to the back; an unused tile
// with no outstanding references is evicted. Returns the evicted tile
// or nil when a full pass found no candidate.
func (s *tileShard) evictOne(tc *tileCache, protect *Tile) *Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := s.clock.Len(); i > 0; i-- {
		e := s.clock.Front()
		t := e.Value.(*Tile)
		if t == protect || t.used.Swap(false) || t.refs.Load() != 0 {
			s.clock.MoveToBack(e)
			continue
		}
		s.clock.Remove(e)
		delete(s.tiles, t.key)
		t.elem = nil
		t.broken.Store(true)
		tc.reclaim(t)
		return t
	}
	return nil
}

// evictToBudget evicts cold tiles until resident bytes fit the budget
// or two consecutive sweeps of every shard find no candidate (the first
// of them may only have cleared used bits; the budget is then
// transiently exceeded). protect shields the tile currently being
// handed to a caller.
func (tc *tileCache) evictToBudget(budget int64, protect *Tile, st *cacheStats) {
	idle := 0
	for tc.mem.Load() > budget {
		evicted := false
		for i := 0; i < tileShardCount; i++ {
			s := &tc.shards[tc.hand.Add(1)%tileShardCount]
			if t := s.evictOne(tc, protect); t != nil {
				evicted = true
				if st != nil {
					st.tilesEvicted.Add(1)
				}
				break
			}
		}
		if !evicted {
			// An empty sweep may only have cleared used bits; give every
			// tile its second chance before giving up.
			if idle++; idle == 2 {
				return
			}
			continue
		}
		idle = 0
	}
}

// removeFile removes every tile belonging to f (or any file when f is
// nil) from lookup and eviction candidacy. Storage of tiles with
// outstanding references is reclaimed at their final release.
func (tc *tileCache) removeFile(f *fileRecord) {
	for i := range tc.shards {
		s := &tc.shards[i]
		s.mu.Lock()
		for key, t := range s.tiles {
			if f != nil && key.file != f {
				continue
			}
			if t.elem != nil {
				s.clock.Remove(t.elem)
				t.elem = nil
			}
			delete(s.tiles, key)
			t.broken.Store(true)
			if t.refs.Load() == 0 {
				tc.reclaim(t)
			}
		}
		s.mu.Unlock()
	}
}

// remove deletes a single key if present, returning the removed tile.
func (tc *tileCache) remove(key tileKey) *Tile {
	s := tc.shardFor(&key)
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tiles[key]
	if t == nil {
		return nil
	}
	if t.elem != nil {
		s.clock.Remove(t.elem)
		t.elem = nil
	}
	delete(s.tiles, key)
	t.broken.Store(true)
	if t.refs.Load() == 0 {
		tc.reclaim(t)
	}
	return t
}
