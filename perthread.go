package imgcache

// Perthread is the per-goroutine micro-cache and error state: the
// most recently used file record, the most recently used tile (with a
// held reference), and the goroutine's pending-error queue.
//
// A Perthread must never be used by two goroutines at once. Goroutines
// that call the cache frequently should create one with
// Cache.Perthread and pass it to every call; callers that pass nil get
// a pooled Perthread for the duration of a single operation, which
// preserves correctness but forfeits cross-call micro-cache hits.
type Perthread struct {
	cache *Cache

	lastFileName string
	lastFile     *fileRecord

	tile    *Tile
	tileKey tileKey
	tileGen uint64

	errs errorQueue
}

// Perthread returns a new per-goroutine state bound to c.
func (c *Cache) Perthread() *Perthread {
	return &Perthread{cache: c}
}

// HasError reports whether this goroutine has pending errors.
func (pt *Perthread) HasError() bool { return !pt.errs.empty() }

// GetError returns this goroutine's pending error messages joined by
// newlines, clearing them when clear is true.
func (pt *Perthread) GetError(clear bool) string { return pt.errs.drain(clear) }

// Release drops the held tile reference and clears the micro-cache.
// Call when the goroutine is done with the cache.
func (pt *Perthread) Release() {
	pt.dropTile()
	pt.lastFile = nil
	pt.lastFileName = ""
}

func (pt *Perthread) dropTile() {
	if pt.tile != nil {
		pt.cache.tiles.release(pt.tile)
		pt.tile = nil
	}
}

// holdTile retains t as the goroutine's MRU tile, taking over one
// reference. The previously held tile is released.
func (pt *Perthread) holdTile(t *Tile) {
	if pt.tile == t {
		// Already held; surrender the extra reference.
		pt.cache.tiles.release(t)
		return
	}
	pt.dropTile()
	pt.tile = t
	pt.tileKey = t.key
	pt.tileGen = pt.cache.invalGen.Load()
}

// cachedTile returns the held tile if it matches key and survived any
// invalidation since it was cached. The returned tile carries a fresh
// reference for the caller.
func (pt *Perthread) cachedTile(key tileKey) *Tile {
	if pt.tile == nil || pt.tileKey != key {
		return nil
	}
	if pt.tileGen != pt.cache.invalGen.Load() || pt.tile.broken.Load() {
		pt.dropTile()
		return nil
	}
	t := pt.tile
	t.refs.Add(1)
	t.used.Store(true)
	return t
}

// acquirePerthread returns pt or a pooled fallback; the second return
// releases pooled state back.
func (c *Cache) acquirePerthread(pt *Perthread) (*Perthread, func()) {
	if pt != nil {
		return pt, func() {}
	}
	v := c.ptPool.Get()
	p, ok := v.(*Perthread)
	if !ok || p == nil {
		p = c.Perthread()
	}
	return p, func() {
		p.Release()
		// Pending errors of anonymous callers surface on the
		// cache-wide queue.
		if msg := p.errs.drain(true); msg != "" {
			c.errs.append(msg)
		}
		c.ptPool.Put(p)
	}
}
