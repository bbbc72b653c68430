package imgcache

import (
	"container/list"
	"sync"
)

// openFiles tracks which file records currently hold an open decoder,
// ordered least-recently-used first. Its lock is the leaf of the lock
// order: it is only ever held to splice list nodes or to try-lock an
// eviction candidate (TryLock cannot block, so the inverted order
// cannot deadlock).
type openFiles struct {
	mu  sync.Mutex
	lru *list.List
	n   int
}

func (o *openFiles) init() {
	o.lru = list.New()
}

func (o *openFiles) current() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// add registers a newly opened file as most-recently-used. Caller
// holds f.mu exclusively.
func (o *openFiles) add(c *Cache, f *fileRecord) {
	o.mu.Lock()
	if f.openElem == nil {
		f.openElem = o.lru.PushBack(f)
		o.n++
		peak(&c.stats.openFilesPeak, int64(o.n))
	} else {
		o.lru.MoveToBack(f.openElem)
	}
	o.mu.Unlock()
}

// touch marks f most-recently-used.
func (o *openFiles) touch(f *fileRecord) {
	o.mu.Lock()
	if f.openElem != nil {
		o.lru.MoveToBack(f.openElem)
	}
	o.mu.Unlock()
}

// drop removes f from the list. Called when f's decoder closes.
func (o *openFiles) drop(f *fileRecord) {
	o.mu.Lock()
	if f.openElem != nil {
		o.lru.Remove(f.openElem)
		f.openElem = nil
		o.n--
	}
	o.mu.Unlock()
}

// closeDown closes least-recently-used decoders until at most limit
// remain open. Files whose lock is held (a decode in progress) are
// skipped; if a full pass closes nothing, the overage is left for the
// next call.
func (o *openFiles) closeDown(c *Cache, limit int) {
	if limit < 0 {
		limit = 0
	}
	for {
		o.mu.Lock()
		if o.n <= limit {
			o.mu.Unlock()
			return
		}
		var victim *fileRecord
		for e := o.lru.Front(); e != nil; e = e.Next() {
			f := e.Value.(*fileRecord)
			if f.mu.TryLock() {
				victim = f
				o.lru.Remove(e)
				f.openElem = nil
				o.n--
				break
			}
		}
		o.mu.Unlock()
		if victim == nil {
			return
		}
		if victim.dec != nil {
			victim.dec.Close()
			victim.dec = nil
		}
		victim.mu.Unlock()
	}
}

// closeAll closes every decoder it can lock, preserving specs and
// cached tiles.
func (o *openFiles) closeAll(c *Cache) {
	o.closeDown(c, 0)
}
