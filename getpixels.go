package imgcache

import (
	"fmt"

	"github.com/meigma/imgcache/pix"
)

// GetPixels copies the region roi of the given subimage and miplevel
// of the named file into dst, converting to dst's element type and
// honoring its strides. Pixels outside the file's data window read as
// zero. On error the destination's already-written parts are
// unspecified.
//
// The optional cacheChans pair (chbegin, chend) hints which channel
// range tiles should be cached with when the request covers only a
// channel subset; by default whole pixels are cached.
func (c *Cache) GetPixels(pt *Perthread, name string, subimage, miplevel int, roi pix.ROI, dst *pix.Span, cacheChans ...int) error {
	pt, done := c.acquirePerthread(pt)
	defer done()
	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return err
	}
	return c.getPixels(pt, f, subimage, miplevel, roi, dst, cacheChans...)
}

// GetPixels is the handle variant of Cache.GetPixels, skipping the
// filename lookup.
func (h *Handle) GetPixels(pt *Perthread, subimage, miplevel int, roi pix.ROI, dst *pix.Span, cacheChans ...int) error {
	c := h.cache
	pt, done := c.acquirePerthread(pt)
	defer done()
	if h.f == nil {
		err := fmt.Errorf("%w: nil image handle", ErrNotFound)
		c.recordError(pt, err)
		return err
	}
	return c.getPixels(pt, h.f, subimage, miplevel, roi, dst, cacheChans...)
}

func (c *Cache) getPixels(pt *Perthread, f *fileRecord, subimage, miplevel int, roi pix.ROI, dst *pix.Span, cacheChans ...int) error {
	if c.destroyed.Load() {
		return ErrCacheDestroyed
	}
	cb, ce := 0, 0
	if len(cacheChans) >= 2 {
		cb, ce = cacheChans[0], cacheChans[1]
	}
	if err := c.gatherInto(pt, f, subimage, miplevel, roi, dst, cb, ce); err != nil {
		c.recordError(pt, err)
		return err
	}
	return nil
}

// GetTile returns a reference to the cached tile containing pixel
// (x, y, z) of the given level, reading or synthesizing it as needed.
// chans optionally narrows the channel range ([chbegin, chend)); by
// default all channels are cached. Pair every successful GetTile with
// exactly one ReleaseTile.
func (c *Cache) GetTile(pt *Perthread, name string, subimage, miplevel, x, y, z int, chans ...int) (*Tile, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()
	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	cb, ce := 0, 0
	if len(chans) >= 2 {
		cb, ce = chans[0], chans[1]
	}
	t, err := c.fetchTile(pt, f, subimage, miplevel, x, y, z, cb, ce)
	if err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	return t, nil
}

// ReleaseTile returns a tile reference obtained from GetTile. The
// tile's pixels must not be touched afterward.
func (c *Cache) ReleaseTile(t *Tile) {
	if t != nil {
		c.tiles.release(t)
	}
}
