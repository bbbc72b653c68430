// Package imgcache implements a process-wide tiled image cache: random
// access to collections of image files whose total pixel data far
// exceeds memory, with bounded open file handles and bounded resident
// tile bytes.
//
// Files are opened lazily through decoder plugins (see the decoder
// package), read tile by tile, and cached in a sharded, refcounted
// tile store with approximate-LRU eviction. Scanline files are given a
// virtual tile grid (autotile), missing MIP levels can be synthesized
// on demand (automip), and byte-identical files are collapsed through
// content fingerprints.
//
// All methods are safe for concurrent use by any number of goroutines.
// Goroutines on hot paths should carry a Perthread for thread-local
// micro-caching:
//
//	c := imgcache.Shared()
//	pt := c.Perthread()
//	var buf [64 * 64 * 4 * 4]byte
//	span, _ := pix.NewSpan(buf[:], pix.TypeFloat, 4, 64, 64, 1)
//	err := c.GetPixels(pt, "tex.rtx", 0, 0, pix.NewROI2D(0, 64, 0, 64, 0, 4), &span)
package imgcache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oxtoacart/bpool"
	"golang.org/x/sync/singleflight"
)

// stagingBufBytes is the width of pooled decode staging buffers; reads
// needing more fall back to one-shot allocations.
const stagingBufBytes = 4 << 20

// thumbnailCacheSize bounds how many decoded thumbnails stay resident.
const thumbnailCacheSize = 64

// Cache is the tiled image cache. Create instances with New or obtain
// the process-wide instance with Shared.
type Cache struct {
	attrMu sync.RWMutex
	cfg    config

	files fileIndex
	tiles tileCache
	open  openFiles

	fetchGroup singleflight.Group
	stats      cacheStats
	errs       errorQueue

	// invalGen bumps on every invalidation so Perthread micro-caches
	// drop stale entries.
	invalGen atomic.Uint64

	staging      *bpool.BytePool
	stagingWidth int

	thumbs *lru.Cache[int64, thumbEntry]

	ptPool    sync.Pool
	destroyed atomic.Bool
	shared    bool
}

// Option configures a Cache at construction. Every option corresponds
// to an attribute and can equally be applied later via SetAttribute.
type Option func(*config)

// WithMaxOpenFiles bounds concurrently open decoders.
func WithMaxOpenFiles(n int) Option {
	return func(cfg *config) { cfg.maxOpenFiles = n }
}

// WithMaxMemoryMB bounds resident tile bytes, in megabytes.
func WithMaxMemoryMB(mb float64) Option {
	return func(cfg *config) { cfg.maxMemoryMB = mb }
}

// WithAutotile imposes a virtual tile grid of the given edge size on
// scanline files.
func WithAutotile(size int) Option {
	return func(cfg *config) { cfg.autotile = size }
}

// WithAutomip enables on-demand synthesis of missing MIP levels.
func WithAutomip(on bool) Option {
	return func(cfg *config) { cfg.automip = on }
}

// WithForceFloat caches all tiles as float regardless of file format.
func WithForceFloat(on bool) Option {
	return func(cfg *config) { cfg.forceFloat = on }
}

// WithDeduplicate toggles content-fingerprint deduplication.
func WithDeduplicate(on bool) Option {
	return func(cfg *config) { cfg.deduplicate = on }
}

// New returns a private cache instance.
func New(opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	c := &Cache{cfg: cfg}
	c.files.init()
	c.tiles.init()
	c.open.init()
	c.staging = bpool.NewBytePool(16, stagingBufBytes)
	c.stagingWidth = stagingBufBytes
	c.thumbs, _ = lru.New[int64, thumbEntry](thumbnailCacheSize)
	return c
}

var (
	sharedMu   sync.Mutex
	sharedInst *Cache
	sharedRefs int
)

// Shared returns the process-wide cache, creating it on first use.
// Every Shared call takes one reference; pair each with Destroy.
func Shared() *Cache {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedInst == nil {
		sharedInst = New()
		sharedInst.shared = true
		sharedRefs = 0
	}
	sharedRefs++
	return sharedInst
}

// Destroy releases the caller's reference. Private caches free all
// resources immediately. For the shared cache the resources are only
// torn down when teardown is true and no other references remain;
// otherwise the shared instance stays intact for other holders.
func (c *Cache) Destroy(teardown bool) {
	if c.shared {
		sharedMu.Lock()
		defer sharedMu.Unlock()
		if sharedRefs > 0 {
			sharedRefs--
		}
		if sharedRefs == 0 && teardown && sharedInst == c {
			c.teardown()
			sharedInst = nil
		}
		return
	}
	c.teardown()
}

func (c *Cache) teardown() {
	if c.destroyed.Swap(true) {
		return
	}
	c.invalidateAllRecords(true)
	c.thumbs.Purge()
}

// trimToBudget evicts cold tiles down to the configured memory budget.
func (c *Cache) trimToBudget() {
	c.tiles.evictToBudget(c.snapshotConfig().maxMemoryBytes(), nil, &c.stats)
}
