package imgcache

import (
	"fmt"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/pix"
)

// AddFile pre-loads (or pre-declares) a file: the record is created
// and opened immediately rather than on first read. creator, when
// non-nil, overrides the decoder registry for this file — the hook for
// callers that generate images procedurally or supply custom readers.
// config is passed through to the decoder's open. When replace is true
// an existing record for name is invalidated and rebuilt with the new
// creator and config.
func (c *Cache) AddFile(pt *Perthread, name string, creator decoder.OpenFunc, config *pix.ImageSpec, replace bool) error {
	pt, done := c.acquirePerthread(pt)
	defer done()

	if existing := c.files.lookup(name); existing != nil {
		if replace {
			c.invalidateRecord(existing, true)
			existing.mu.Lock()
			existing.creator = creator
			existing.config = config
			existing.mu.Unlock()
		}
		if err := c.ensureValidSpec(existing); err != nil {
			c.recordError(pt, err)
			return err
		}
		return nil
	}

	v, err, _ := c.files.group.Do(name, func() (any, error) {
		if g := c.files.lookup(name); g != nil {
			return g, nil
		}
		g := c.createFile(name, creator, config)
		c.files.mu.Lock()
		c.files.byName[name] = g
		c.files.mu.Unlock()
		c.stats.filesReferenced.Add(1)
		if !g.broken && g.duplicateOf == nil {
			c.stats.uniqueFiles.Add(1)
		}
		return g, nil
	})
	if err != nil {
		c.recordError(pt, err)
		return err
	}
	f := v.(*fileRecord)
	if f.broken {
		c.recordError(pt, f.brokenErr)
		return f.brokenErr
	}
	return nil
}

// AddTile injects externally produced pixels as the cached tile with
// origin (x, y, z) of the given level, never touching disk. data holds
// the tile's pixels in format, row-major, channels interleaved,
// covering the tile rectangle clipped to the data window. chans
// optionally narrows the stored channel range.
//
// With copyPixels false and a format matching the cache's format for
// the file, the tile borrows data directly; the caller must not mutate
// it for the cache's lifetime.
func (c *Cache) AddTile(pt *Perthread, name string, subimage, miplevel, x, y, z int, format pix.TypeDesc, data []byte, copyPixels bool, chans ...int) error {
	pt, done := c.acquirePerthread(pt)
	defer done()

	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return err
	}
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		c.recordError(pt, err)
		return err
	}
	lr, cacheFmt, err := f.level(subimage, miplevel)
	if err != nil {
		c.recordError(pt, err)
		return err
	}

	cb, ce := 0, 0
	if len(chans) >= 2 {
		cb, ce = chans[0], chans[1]
	}
	cb, ce = normalizeChannels(&lr.spec, cb, ce)
	x0, y0, z0 := lr.tileOrigin(x, y, z)
	key := tileKey{
		file: f, subimage: subimage, miplevel: miplevel,
		x: x0, y: y0, z: z0, chbegin: cb, chend: ce,
	}
	roi := lr.tileROI(x0, y0, z0, cb, ce)
	nch := ce - cb
	want := roi.NPixels() * int64(nch) * int64(format.Size())
	if int64(len(data)) != want {
		err := fmt.Errorf("%w: add_tile data is %d bytes, tile wants %d",
			ErrTypeMismatch, len(data), want)
		c.recordError(pt, err)
		return err
	}

	nbytes := roi.NPixels() * int64(nch) * int64(cacheFmt.Size())
	var buf []byte
	if format == cacheFmt && !copyPixels {
		buf = data
	} else {
		buf = make([]byte, nbytes)
		pix.ConvertElements(buf, cacheFmt, cacheFmt.Size(), data, format, format.Size(),
			int(roi.NPixels())*nch)
	}

	t := &Tile{
		key:    key,
		pixels: buf,
		format: cacheFmt,
		roi:    roi,
		size:   nbytes,
	}

	// Replace any resident tile under this key, then admit.
	c.tiles.remove(key)
	admitted := c.tiles.insert(t)
	if admitted == t {
		c.stats.tilesAdded.Add(1)
		peak(&c.stats.tilesPeak, c.tiles.count.Load())
		c.tiles.evictToBudget(c.snapshotConfig().maxMemoryBytes(), admitted, &c.stats)
	}
	return nil
}
