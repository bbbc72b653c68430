package imgcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/internal/imagetest"
	"github.com/meigma/imgcache/pix"
)

// newTestCache returns a private cache so tests never share the
// process-wide singleton.
func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New(opts...)
	t.Cleanup(func() { c.Destroy(true) })
	return c
}

func statInt(t *testing.T, c *Cache, name string) int64 {
	t.Helper()
	v, err := c.GetAttribute(name)
	require.NoError(t, err, "attribute %s", name)
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	default:
		t.Fatalf("attribute %s has type %T", name, v)
		return 0
	}
}

func floatSpan(t *testing.T, w, h, nch int) (*pix.Span, []byte) {
	t.Helper()
	buf := make([]byte, w*h*nch*4)
	s, err := pix.NewSpan(buf, pix.TypeFloat, nch, w, h, 1)
	require.NoError(t, err)
	return &s, buf
}

func TestColdReadScanlineFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	path := imagetest.TempFile(t, "a.rtx")
	imagetest.WriteScanline(t, path, 64, 64, 4, pix.TypeFloat)

	span, buf := floatSpan(t, 64, 64, 4)
	roi := pix.NewROI2D(0, 64, 0, 64, 0, 4)
	require.NoError(t, c.GetPixels(pt, path, 0, 0, roi, span))

	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			for ch := 0; ch < 4; ch++ {
				off := ((y*64 + x) * 4 * 4) + ch*4
				want := imagetest.PatternValue(x, y, 0, ch)
				got := pix.Float32At(buf, pix.TypeFloat, off)
				if want != got {
					t.Fatalf("pixel (%d,%d) ch %d: got %v want %v", x, y, ch, got, want)
				}
			}
		}
	}

	assert.Equal(t, int64(1), statInt(t, c, "stat:tiles_created"))
	assert.Equal(t, int64(1), statInt(t, c, "stat:open_files_current"))
	assert.Equal(t, int64(1), statInt(t, c, "stat:unique_files"))
	assert.Equal(t, int64(64*64*4*4), statInt(t, c, "stat:bytes_read"))
}

func TestGetPixelsSubRegionAndConversion(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "b.rtx")
	imagetest.WriteTiled(t, path, 64, 64, 3, 32, 32, pix.TypeUInt8)

	// Sub-rectangle crossing tile boundaries, converted to float.
	span, buf := floatSpan(t, 40, 20, 3)
	roi := pix.NewROI2D(10, 50, 25, 45, 0, 3)
	require.NoError(t, c.GetPixels(nil, path, 0, 0, roi, span))

	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			off := ((y*40 + x) * 3) * 4
			want := imagetest.PatternValue(10+x, 25+y, 0, 0)
			got := pix.Float32At(buf, pix.TypeFloat, off)
			// uint8 storage quantizes the pattern.
			assert.InDelta(t, want, got, 1.0/255.0, "pixel (%d,%d)", x, y)
		}
	}
}

func TestGetPixelsOutsideDataWindowIsZero(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "c.rtx")
	imagetest.WriteTiled(t, path, 32, 32, 2, 16, 16, pix.TypeFloat)

	span, buf := floatSpan(t, 40, 8, 2)
	roi := pix.NewROI2D(24, 64, 0, 8, 0, 2)
	require.NoError(t, c.GetPixels(nil, path, 0, 0, roi, span))

	// x in [24,32) is data, [32,64) is zero fill.
	for x := 0; x < 40; x++ {
		got := pix.Float32At(buf, pix.TypeFloat, x*2*4)
		if x < 8 {
			assert.Equal(t, imagetest.PatternValue(24+x, 0, 0, 0), got)
		} else {
			assert.Zero(t, got, "x=%d should be zero fill", x)
		}
	}
}

func TestGetPixelsChannelSubset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "d.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 4, 16, 16, pix.TypeFloat)

	span, buf := floatSpan(t, 16, 16, 2)
	roi := pix.NewROI2D(0, 16, 0, 16, 1, 3)
	require.NoError(t, c.GetPixels(nil, path, 0, 0, roi, span))

	for p := 0; p < 16*16; p++ {
		x, y := p%16, p/16
		assert.Equal(t, imagetest.PatternValue(x, y, 0, 1), pix.Float32At(buf, pix.TypeFloat, p*2*4))
		assert.Equal(t, imagetest.PatternValue(x, y, 0, 2), pix.Float32At(buf, pix.TypeFloat, (p*2+1)*4))
	}
}

func TestImageSpecAndCacheDimensions(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithAutotile(32), WithForceFloat(true))
	path := imagetest.TempFile(t, "e.rtx")
	imagetest.WriteScanline(t, path, 100, 80, 3, pix.TypeUInt8)

	spec, err := c.ImageSpec(nil, path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, spec.Width)
	assert.Equal(t, 80, spec.Height)
	assert.Equal(t, pix.TypeUInt8, spec.Format)
	assert.False(t, spec.Tiled())

	dims, err := c.CacheDimensions(nil, path, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, dims.TileWidth)
	assert.Equal(t, 32, dims.TileHeight)
	assert.Equal(t, pix.TypeFloat, dims.Format)

	_, err = c.ImageSpec(nil, path, 0, 7)
	assert.ErrorIs(t, err, ErrBadSubimage)
	_, err = c.ImageSpec(nil, path, 2, 0)
	assert.ErrorIs(t, err, ErrBadSubimage)
}

func TestImageHandleBypassesNameLookup(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	path := imagetest.TempFile(t, "f.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)

	h, err := c.ImageHandle(pt, path)
	require.NoError(t, err)
	require.True(t, h.Valid())
	assert.Equal(t, path, h.Filename())

	span, buf := floatSpan(t, 16, 16, 1)
	require.NoError(t, h.GetPixels(pt, 0, 0, pix.NewROI2D(0, 16, 0, 16, 0, 1), span))
	assert.Equal(t, imagetest.PatternValue(1, 0, 0, 0), pix.Float32At(buf, pix.TypeFloat, 4))

	spec, err := h.Spec(pt, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, spec.Width)
}

func TestMissingFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	missing := filepath.Join(t.TempDir(), "nope.rtx")
	span, _ := floatSpan(t, 4, 4, 1)
	err := c.GetPixels(pt, missing, 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 1), span)
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, pt.HasError())
	assert.Contains(t, pt.GetError(true), "not found")
	assert.False(t, pt.HasError())

	// Existence probes never error.
	exists, err := c.ImageInfo(pt, missing, 0, 0, "exists")
	require.NoError(t, err)
	assert.Equal(t, 0, exists)
}

func TestSharedSingleton(t *testing.T) {
	a := Shared()
	b := Shared()
	assert.Same(t, a, b)
	b.Destroy(false)
	a.Destroy(true)

	next := Shared()
	assert.NotNil(t, next)
	next.Destroy(true)
}

func TestRootTypeAliases(t *testing.T) {
	t.Parallel()

	// The root aliases are the pix types themselves, not copies: a
	// caller can work against the root package alone.
	var r ROI = pix.NewROI2D(0, 4, 0, 4, 0, 1)
	assert.Equal(t, 4, r.Width())

	buf := make([]byte, 4*4*4)
	span, err := NewSpan(buf, TypeFloat, 1, 4, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, pix.TypeFloat, span.Format())

	spec := NewImageSpec2D(8, 8, 3, TypeUInt8)
	assert.Equal(t, 3, spec.NChannels)
}

func TestGetPixelsFlippedDestination(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "flip.rtx")
	imagetest.WriteTiled(t, path, 8, 8, 1, 8, 8, pix.TypeFloat)

	// Negative y stride: row 0 of the image lands at the bottom of
	// the buffer.
	buf := make([]byte, 8*8*4)
	rowBytes := 8 * 4
	span, err := pix.NewSpanStrided(buf, pix.TypeFloat, 1, 8, 8, 1,
		4, -rowBytes, len(buf), (8-1)*rowBytes)
	require.NoError(t, err)

	require.NoError(t, c.GetPixels(nil, path, 0, 0, pix.NewROI2D(0, 8, 0, 8, 0, 1), &span))

	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := imagetest.PatternValue(x, y, 0, 0)
			got := pix.Float32At(buf, pix.TypeFloat, (7-y)*rowBytes+x*4)
			require.Equal(t, want, got, "pixel (%d,%d)", x, y)
		}
	}
}

func TestImageInfoQueries(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithAutomip(true))
	path := imagetest.TempFile(t, "g.rtx")
	imagetest.WriteTiled(t, path, 64, 32, 3, 16, 16, pix.TypeUInt16)

	get := func(key string) any {
		v, err := c.ImageInfo(nil, path, 0, 0, key)
		require.NoError(t, err, "key %s", key)
		return v
	}

	assert.Equal(t, 1, get("exists"))
	assert.Equal(t, 1, get("subimages"))
	assert.Equal(t, []int{64, 32, 1}, get("resolution"))
	assert.Equal(t, 3, get("channels"))
	assert.Equal(t, "uint16", get("format"))
	assert.Equal(t, "Plain Texture", get("texturetype"))
	assert.Equal(t, pix.NewROI2D(0, 64, 0, 32, 0, 3), get("datawindow"))
	// 64x32 halves to 1x1 in 6 steps; 7 levels total.
	assert.Equal(t, 7, get("miplevels"))

	_, err := c.ImageInfo(nil, path, 0, 0, "no_such_key")
	assert.ErrorIs(t, err, ErrUnknownAttribute)
}
