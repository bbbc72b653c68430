package imgcache

import (
	"fmt"
	"time"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/pix"
)

// level returns a copy of the level record for (subimage, miplevel),
// taking the file's read lock against concurrent invalidation.
func (f *fileRecord) level(subimage, miplevel int) (levelRec, pix.TypeDesc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.validSpec {
		if f.brokenErr != nil {
			return levelRec{}, 0, f.brokenErr
		}
		return levelRec{}, 0, fmt.Errorf("%w: %q", ErrBrokenFile, f.name)
	}
	lr, err := f.levelInfo(subimage, miplevel)
	if err != nil {
		return levelRec{}, 0, err
	}
	return *lr, f.subimages[subimage].cacheFmt, nil
}

// normalizeChannels maps a requested channel range onto the range a
// tile is cached with: the full range when the request covers (or
// defaults to) all channels, otherwise the exact subset.
func normalizeChannels(spec *pix.ImageSpec, chbegin, chend int) (int, int) {
	if chend <= chbegin || (chbegin <= 0 && chend >= spec.NChannels) {
		return 0, spec.NChannels
	}
	return max(chbegin, 0), min(chend, spec.NChannels)
}

// fetchTile returns a referenced tile containing (x, y, z) of the
// given level, decoding (or synthesizing) it on a cache miss. The
// caller owns exactly one reference on the returned tile.
func (c *Cache) fetchTile(pt *Perthread, f *fileRecord, subimage, miplevel, x, y, z, chbegin, chend int) (*Tile, error) {
	start := time.Now()
	defer addNanos(&c.stats.findTileNanos, start)

	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		return nil, err
	}
	lr, cacheFmt, err := f.level(subimage, miplevel)
	if err != nil {
		return nil, err
	}
	if !lr.cacheROI().Contains(x, y, z) {
		return nil, fmt.Errorf("%w: (%d,%d,%d) outside %q level %d/%d",
			ErrBadROI, x, y, z, f.name, subimage, miplevel)
	}

	x0, y0, z0 := lr.tileOrigin(x, y, z)
	chbegin, chend = normalizeChannels(&lr.spec, chbegin, chend)
	if size := lr.tileROI(x0, y0, z0, chbegin, chend).NPixels() * int64(chend-chbegin) * int64(cacheFmt.Size()); size > c.snapshotConfig().maxMemoryBytes() {
		return nil, fmt.Errorf("%w: %d-byte tile of %q", ErrTileTooLarge, size, f.name)
	}
	key := tileKey{
		file: f, subimage: subimage, miplevel: miplevel,
		x: x0, y: y0, z: z0, chbegin: chbegin, chend: chend,
	}

	c.stats.findTileCalls.Add(1)
	if pt != nil {
		if t := pt.cachedTile(key); t != nil {
			c.stats.findTileMicroHits.Add(1)
			return t, nil
		}
	}
	lockStart := time.Now()
	t := c.tiles.find(key)
	addNanos(&c.stats.tileLockNanos, lockStart)
	if t != nil {
		c.stats.findTileCacheHits.Add(1)
		c.retainInPerthread(pt, t)
		return t, nil
	}

	var kb [64]byte
	groupKey := string(key.hashBytes(&kb))
	for attempt := 0; ; attempt++ {
		v, err, _ := c.fetchGroup.Do(groupKey, func() (any, error) {
			if t := c.tiles.find(key); t != nil {
				// Transfer: the Do owner resolves its reference below
				// via acquire, so drop this one.
				c.tiles.release(t)
				return t, nil
			}
			gen := c.invalGen.Load()
			t, err := c.decodeTile(pt, key, lr, cacheFmt)
			if err != nil {
				return nil, err
			}
			if c.invalGen.Load() != gen {
				// An invalidation raced the decode; do not admit a
				// tile decoded under a possibly stale spec. The
				// acquire below fails and the fetch retries.
				t.broken.Store(true)
				t.orphan = true
				return t, nil
			}
			admitted := c.tiles.insert(t)
			if admitted == t {
				c.stats.tilesCreated.Add(1)
				peak(&c.stats.tilesPeak, c.tiles.count.Load())
				c.tiles.evictToBudget(c.snapshotConfig().maxMemoryBytes(), admitted, &c.stats)
			}
			return admitted, nil
		})
		if err != nil {
			return nil, err
		}
		t := v.(*Tile)
		if c.tiles.acquire(t) {
			c.retainInPerthread(pt, t)
			return t, nil
		}
		// The tile was evicted (or rejected after racing an
		// invalidation) between insertion and acquisition. Refresh
		// the level info and retry; after repeated losses decode an
		// orphan copy that bypasses the cache entirely.
		c.fetchGroup.Forget(groupKey)
		if err := c.ensureValidSpec(f); err != nil {
			return nil, err
		}
		if lr2, fmt2, lerr := f.level(subimage, miplevel); lerr == nil {
			lr, cacheFmt = lr2, fmt2
			x0, y0, z0 = lr.tileOrigin(x, y, z)
			chb, che := normalizeChannels(&lr.spec, chbegin, chend)
			key = tileKey{
				file: f, subimage: subimage, miplevel: miplevel,
				x: x0, y: y0, z: z0, chbegin: chb, chend: che,
			}
			groupKey = string(key.hashBytes(&kb))
		}
		if attempt >= 2 {
			t, err := c.decodeTile(pt, key, lr, cacheFmt)
			if err != nil {
				return nil, err
			}
			t.orphan = true
			t.refs.Store(1)
			return t, nil
		}
	}
}

// retainInPerthread keeps t as the goroutine's MRU tile with its own
// reference, on top of the caller's.
func (c *Cache) retainInPerthread(pt *Perthread, t *Tile) {
	if pt == nil || t.orphan {
		return
	}
	t.refs.Add(1)
	pt.holdTile(t)
}

// withDecoder runs fn with the file's decoder open, under the locking
// regime the decoder supports: thread-safe decoders run under the read
// lock so reads of one file may overlap; others are serialized by the
// write lock. Either way the lock held during fn blocks invalidation.
func (c *Cache) withDecoder(f *fileRecord, fn func(decoder.Decoder) error) error {
	start := time.Now()
	if f.threadsafe {
		for attempt := 0; attempt < 5; attempt++ {
			f.mu.RLock()
			if f.dec != nil {
				addNanos(&c.stats.fileLockNanos, start)
				c.open.touch(f)
				err := fn(f.dec)
				f.mu.RUnlock()
				return err
			}
			f.mu.RUnlock()
			f.mu.Lock()
			err := c.openLocked(f)
			f.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
	f.mu.Lock()
	addNanos(&c.stats.fileLockNanos, start)
	defer f.mu.Unlock()
	if err := c.openLocked(f); err != nil {
		return err
	}
	return fn(f.dec)
}

// reopen closes and reopens the file's decoder for a retry.
func (c *Cache) reopen(f *fileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.closeLocked(f)
	return c.openLocked(f)
}

// decodeTile produces the tile for key from the file (or from the
// higher-resolution level for synthesized miplevels). The returned
// tile is not yet in the cache and carries no references.
func (c *Cache) decodeTile(pt *Perthread, key tileKey, lr levelRec, cacheFmt pix.TypeDesc) (*Tile, error) {
	f := key.file
	cfg := c.snapshotConfig()

	if int(f.errCount.Load()) > cfg.maxErrorsPerFile {
		c.stats.errorsSuppressed.Add(1)
		return nil, fmt.Errorf("%w: %q exceeded %d errors", ErrBrokenFile, f.name, cfg.maxErrorsPerFile)
	}

	if lr.synthesized {
		return c.synthesizeTile(pt, key, lr, cacheFmt)
	}

	roi := lr.tileROI(key.x, key.y, key.z, key.chbegin, key.chend)
	nch := key.chend - key.chbegin
	nbytes := roi.NPixels() * int64(nch) * int64(cacheFmt.Size())
	buf := make([]byte, nbytes)

	read := func(dec decoder.Decoder) error {
		start := time.Now()
		defer func() {
			addNanos(&c.stats.fileIONanos, start)
			f.ioNanos.Add(int64(time.Since(start)))
		}()
		if lr.spec.Tiled() {
			return dec.ReadTile(key.subimage, key.miplevel, key.x, key.y, key.z,
				key.chbegin, key.chend, cacheFmt, buf)
		}
		return c.readScanlineTile(dec, key, lr, cacheFmt, roi, buf)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = c.withDecoder(f, read); err == nil {
			break
		}
		if attempt >= cfg.failureRetries {
			f.errCount.Add(1)
			if int(f.errCount.Load()) > cfg.maxErrorsPerFile {
				c.stats.errorsSuppressed.Add(1)
			} else {
				c.recordError(pt, err)
			}
			return nil, fmt.Errorf("imgcache: read tile (%d,%d,%d) of %q: %w",
				key.x, key.y, key.z, f.name, err)
		}
		c.stats.retriedReads.Add(1)
		if rerr := c.reopen(f); rerr != nil {
			return nil, fmt.Errorf("imgcache: reopen %q after failed read: %w", f.name, rerr)
		}
	}

	if cfg.maxOpenFilesStrict {
		c.open.closeDown(c, cfg.maxOpenFiles)
	}

	f.tilesRead.Add(1)
	f.bytesRead.Add(nbytes)
	c.stats.bytesRead.Add(nbytes)

	return &Tile{
		key:    key,
		pixels: buf,
		format: cacheFmt,
		roi:    roi,
		size:   nbytes,
	}, nil
}

// readScanlineTile fills one virtual tile of an untiled level from
// scanline bands. Full-width virtual tiles read straight into the
// tile buffer; square autotile tiles stage full-width rows and copy
// out the x range.
func (c *Cache) readScanlineTile(dec decoder.Decoder, key tileKey, lr levelRec, cacheFmt pix.TypeDesc, roi pix.ROI, buf []byte) error {
	s := &lr.spec
	nch := key.chend - key.chbegin
	px := nch * cacheFmt.Size()
	fullWidth := roi.XBegin == s.X && roi.Width() == s.Width

	for z := roi.ZBegin; z < roi.ZEnd; z++ {
		zoff := (z - roi.ZBegin) * roi.Height() * roi.Width() * px
		if fullWidth {
			if err := dec.ReadScanlines(key.subimage, key.miplevel, roi.YBegin, roi.YEnd, z,
				key.chbegin, key.chend, cacheFmt, buf[zoff:]); err != nil {
				return err
			}
			continue
		}

		rowBytes := s.Width * px
		need := roi.Height() * rowBytes
		staging, done := c.stagingBuf(need)
		err := dec.ReadScanlines(key.subimage, key.miplevel, roi.YBegin, roi.YEnd, z,
			key.chbegin, key.chend, cacheFmt, staging)
		if err == nil {
			xoff := (roi.XBegin - s.X) * px
			n := roi.Width() * px
			for row := 0; row < roi.Height(); row++ {
				src := staging[row*rowBytes+xoff:]
				copy(buf[zoff+row*n:zoff+(row+1)*n], src[:n])
			}
		}
		done()
		if err != nil {
			return err
		}
	}
	return nil
}

// stagingBuf returns a scratch buffer of at least n bytes, pooled for
// the common case. done returns pooled buffers.
func (c *Cache) stagingBuf(n int) ([]byte, func()) {
	if n <= c.stagingWidth {
		b := c.staging.Get()
		return b[:n], func() { c.staging.Put(b) }
	}
	return make([]byte, n), func() {}
}
