package imgcache

import (
	"fmt"

	"github.com/meigma/imgcache/pix"
)

// synthesizeTile produces a tile of a synthesized miplevel by
// box-averaging 2x2 blocks of the next higher-resolution level. The
// source level may itself be synthesized; recursion bottoms out at the
// coarsest level actually present in the file, and every synthesized
// tile is memoized in the tile cache like any other.
//
// Volumes are downsampled per z slice; depth is not reduced.
func (c *Cache) synthesizeTile(pt *Perthread, key tileKey, lr levelRec, cacheFmt pix.TypeDesc) (*Tile, error) {
	f := key.file
	srcLR, _, err := f.level(key.subimage, key.miplevel-1)
	if err != nil {
		return nil, fmt.Errorf("imgcache: automip source for %q: %w", f.name, err)
	}

	roi := lr.tileROI(key.x, key.y, key.z, key.chbegin, key.chend)
	nch := key.chend - key.chbegin
	srcSpec := &srcLR.spec

	// Source region: the destination rectangle scaled up, clipped to
	// the source data window.
	srcROI := pix.ROI{
		XBegin: srcSpec.X + (roi.XBegin-lr.spec.X)*2,
		YBegin: srcSpec.Y + (roi.YBegin-lr.spec.Y)*2,
		ZBegin: srcSpec.Z + (roi.ZBegin - lr.spec.Z),
		ChBegin: key.chbegin, ChEnd: key.chend,
	}
	srcROI.XEnd = min(srcROI.XBegin+roi.Width()*2, srcSpec.X+srcSpec.Width)
	srcROI.YEnd = min(srcROI.YBegin+roi.Height()*2, srcSpec.Y+srcSpec.Height)
	srcROI.ZEnd = srcROI.ZBegin + roi.Depth()

	sw, sh, sd := srcROI.Width(), srcROI.Height(), srcROI.Depth()
	srcBuf := make([]byte, sw*sh*sd*nch*4)
	span, err := pix.NewSpan(srcBuf, pix.TypeFloat, nch, sw, sh, sd)
	if err != nil {
		return nil, err
	}
	if err := c.gatherInto(pt, f, key.subimage, key.miplevel-1, srcROI, &span, key.chbegin, key.chend); err != nil {
		return nil, fmt.Errorf("imgcache: automip gather for %q: %w", f.name, err)
	}

	if !f.mipUsed.Swap(true) {
		c.stats.mipsSynthesized.Add(1)
	}

	nbytes := roi.NPixels() * int64(nch) * int64(cacheFmt.Size())
	buf := make([]byte, nbytes)
	esize := cacheFmt.Size()
	dw, dh := roi.Width(), roi.Height()

	srcAt := func(x, y, z, ch int) float32 {
		off := ((z*sh+y)*sw + x) * nch * 4
		return pix.Float32At(srcBuf, pix.TypeFloat, off+ch*4)
	}
	for z := 0; z < roi.Depth(); z++ {
		for y := 0; y < dh; y++ {
			for x := 0; x < dw; x++ {
				sx, sy := x*2, y*2
				x1, y1 := min(sx+1, sw-1), min(sy+1, sh-1)
				for ch := 0; ch < nch; ch++ {
					sum := srcAt(sx, sy, z, ch) + srcAt(x1, sy, z, ch) +
						srcAt(sx, y1, z, ch) + srcAt(x1, y1, z, ch)
					off := (((z*dh)+y)*dw + x) * nch * esize
					pix.PutFloat32At(buf, cacheFmt, off+ch*esize, sum*0.25)
				}
			}
		}
	}

	return &Tile{
		key:    key,
		pixels: buf,
		format: cacheFmt,
		roi:    roi,
		size:   nbytes,
	}, nil
}
