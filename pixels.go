package imgcache

import (
	"fmt"

	"github.com/meigma/imgcache/pix"
)

// gatherInto is the shared ROI copy core behind GetPixels and the MIP
// synthesizer: it decomposes the region into cached-grid tiles,
// fetches each, and copies the overlap into dst with type conversion
// and channel selection. Pixels outside the data window are zeroed.
//
// dst geometry must match roi (width, height, depth, channel count);
// dst pixel (0,0,0) corresponds to (roi.XBegin, roi.YBegin, roi.ZBegin).
// cacheChBegin/cacheChEnd hint which channel range tiles are cached
// with; an empty hint caches whole pixels.
func (c *Cache) gatherInto(pt *Perthread, f *fileRecord, subimage, miplevel int, roi pix.ROI, dst *pix.Span, cacheChBegin, cacheChEnd int) error {
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		return err
	}
	lr, _, err := f.level(subimage, miplevel)
	if err != nil {
		return err
	}
	spec := &lr.spec

	if !roi.Defined() || roi.ChBegin < 0 || roi.ChEnd > spec.NChannels || roi.ChBegin >= roi.ChEnd {
		return fmt.Errorf("%w: %+v for %q", ErrBadROI, roi, f.name)
	}
	if dst.Width() != roi.Width() || dst.Height() != roi.Height() ||
		dst.Depth() != roi.Depth() || dst.NChannels() != roi.NChannels() {
		return fmt.Errorf("%w: span %dx%dx%d/%dch vs roi %dx%dx%d/%dch",
			ErrTypeMismatch,
			dst.Width(), dst.Height(), dst.Depth(), dst.NChannels(),
			roi.Width(), roi.Height(), roi.Depth(), roi.NChannels())
	}

	// Which channel range tiles carry. An invalid hint (end <= begin)
	// or one that fails to cover the request falls back to caching
	// whole pixels.
	tb, te := normalizeChannels(spec, cacheChBegin, cacheChEnd)
	if tb > roi.ChBegin || te < roi.ChEnd {
		tb, te = 0, spec.NChannels
	}

	clip := roi.Intersection(spec.ROI())
	clip.ChBegin, clip.ChEnd = roi.ChBegin, roi.ChEnd
	if clip != roi {
		// Zero everything, then overwrite the in-window part. The
		// out-of-window fringe is typically small.
		for z := 0; z < roi.Depth(); z++ {
			for y := 0; y < roi.Height(); y++ {
				dst.ZeroRow(0, y, z, roi.Width())
			}
		}
		if !clip.Defined() {
			return nil
		}
	}

	for tz := range tilesCovering(clip.ZBegin, clip.ZEnd, spec.Z, lr.tileD) {
		for ty := range tilesCovering(clip.YBegin, clip.YEnd, spec.Y, lr.tileH) {
			for tx := range tilesCovering(clip.XBegin, clip.XEnd, spec.X, lr.tileW) {
				t, err := c.fetchTile(pt, f, subimage, miplevel, tx, ty, tz, tb, te)
				if err != nil {
					return err
				}
				c.copyTileRegion(t, clip, roi, dst)
				c.releaseAfterCopy(pt, t)
			}
		}
	}
	return nil
}

// tilesCovering yields the tile origins of the cached grid that
// intersect [begin, end) on one axis.
func tilesCovering(begin, end, origin, tileSize int) func(func(int) bool) {
	return func(yield func(int) bool) {
		first := origin + ((begin-origin)/tileSize)*tileSize
		for t := first; t < end; t += tileSize {
			if !yield(t) {
				return
			}
		}
	}
}

// copyTileRegion copies the overlap of tile t and clip into dst, whose
// pixel (0,0,0) is (full.XBegin, full.YBegin, full.ZBegin).
func (c *Cache) copyTileRegion(t *Tile, clip, full pix.ROI, dst *pix.Span) {
	overlap := t.roi.Intersection(clip)
	if !overlap.Defined() {
		return
	}
	stride := t.pixelStride()
	rowBytes := t.rowBytes()
	sliceBytes := t.roi.Height() * rowBytes
	chOff := (clip.ChBegin - t.key.chbegin) * t.format.Size()
	n := overlap.Width()

	for z := overlap.ZBegin; z < overlap.ZEnd; z++ {
		for y := overlap.YBegin; y < overlap.YEnd; y++ {
			src := t.pixels[(z-t.roi.ZBegin)*sliceBytes+
				(y-t.roi.YBegin)*rowBytes+
				(overlap.XBegin-t.roi.XBegin)*stride+
				chOff:]
			dst.WriteRow(
				overlap.XBegin-full.XBegin,
				y-full.YBegin,
				z-full.ZBegin,
				n, src, t.format, stride)
		}
	}
}

// releaseAfterCopy returns the caller's reference. A Perthread keeps
// its own reference on the MRU tile, so the common tile-at-a-time scan
// pattern keeps its working tile pinned across calls.
func (c *Cache) releaseAfterCopy(pt *Perthread, t *Tile) {
	c.tiles.release(t)
}
