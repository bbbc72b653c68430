package rawtile

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/pix"
)

// pattern fills deterministic uint8-friendly values.
func pattern(spec pix.ImageSpec) []byte {
	buf := make([]byte, spec.ImageBytes())
	es := spec.Format.Size()
	i := 0
	for z := 0; z < spec.Depth; z++ {
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				for ch := 0; ch < spec.NChannels; ch++ {
					v := float32((x*31+y*17+z*13+ch*7)%256) / 256.0
					pix.PutFloat32At(buf, spec.Format, i, v)
					i += es
				}
			}
		}
	}
	return buf
}

func writeOne(t *testing.T, spec pix.ImageSpec, opts ...WriteOption) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.rtx")
	pixels := pattern(spec)
	img := Image{Subimages: []Subimage{{Levels: []Level{{Spec: spec, Pixels: pixels}}}}}
	require.NoError(t, Write(path, img, opts...))
	return path, pixels
}

func TestTiledRoundTrip(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(70, 50, 3, pix.TypeUInt8)
	spec.TileWidth, spec.TileHeight, spec.TileDepth = 32, 32, 1
	path, pixels := writeOne(t, spec)

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 1, d.NumSubimages())
	require.Equal(t, 1, d.NumMiplevels(0))
	got, err := d.Spec(0, 0)
	require.NoError(t, err)
	assert.Equal(t, spec, *got)

	// Interior tile.
	tile := make([]byte, 32*32*3)
	require.NoError(t, d.ReadTile(0, 0, 32, 0, 0, 0, 3, pix.TypeUInt8, tile))
	for y := 0; y < 32; y++ {
		rowOff := (y*70 + 32) * 3
		assert.Equal(t, pixels[rowOff:rowOff+32*3], tile[y*32*3:(y+1)*32*3], "row %d", y)
	}

	// Edge tile is clipped: 70-64=6 wide, 50-32=18 tall.
	edge := make([]byte, 6*18*3)
	require.NoError(t, d.ReadTile(0, 0, 64, 32, 0, 0, 3, pix.TypeUInt8, edge))
	for y := 0; y < 18; y++ {
		rowOff := ((32+y)*70 + 64) * 3
		assert.Equal(t, pixels[rowOff:rowOff+6*3], edge[y*6*3:(y+1)*6*3], "edge row %d", y)
	}
}

func TestTiledChannelSubsetAndConversion(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(32, 32, 4, pix.TypeUInt8)
	spec.TileWidth, spec.TileHeight = 32, 32
	path, pixels := writeOne(t, spec)

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	// Channels [1,3) as float.
	out := make([]byte, 32*32*2*4)
	require.NoError(t, d.ReadTile(0, 0, 0, 0, 0, 1, 3, pix.TypeFloat, out))
	for p := 0; p < 32*32; p++ {
		for ch := 0; ch < 2; ch++ {
			want := float64(pixels[p*4+1+ch]) / 255.0
			got := pix.Float32At(out, pix.TypeFloat, (p*2+ch)*4)
			assert.InDelta(t, want, float64(got), 1e-6)
		}
	}
}

func TestScanlineReads(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(64, 47, 3, pix.TypeFloat)
	path, pixels := writeOne(t, spec)

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	// A range crossing two 16-row bands.
	out := make([]byte, 64*10*3*4)
	require.NoError(t, d.ReadScanlines(0, 0, 12, 22, 0, 0, 3, pix.TypeFloat, out))
	assert.Equal(t, pixels[12*64*3*4:22*64*3*4], out)

	// Tile reads are rejected for scanline files.
	err = d.ReadTile(0, 0, 0, 0, 0, 0, 3, pix.TypeFloat, out)
	assert.Error(t, err)
}

func TestUncompressedRoundTrip(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(33, 9, 2, pix.TypeUInt16)
	path, pixels := writeOne(t, spec, WithCompression(false))

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	out := make([]byte, len(pixels))
	require.NoError(t, d.ReadScanlines(0, 0, 0, 9, 0, 0, 2, pix.TypeUInt16, out))
	assert.Equal(t, pixels, out)
}

func TestFingerprintAndThumbnail(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(16, 16, 3, pix.TypeFloat)
	thumb := make([]byte, 4*4*3*4)
	path, pixels := writeOne(t, spec,
		WithAutoFingerprint(),
		WithThumbnail(4, 4, 3, thumb),
	)

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	sum := sha1.Sum(pixels)
	want := digest.NewDigestFromBytes(sha1Algorithm, sum[:])
	assert.Equal(t, want, d.Fingerprint())

	tspec, tdata, err := d.Thumbnail(0)
	require.NoError(t, err)
	assert.Equal(t, 4, tspec.Width)
	assert.Equal(t, 4, tspec.Height)
	assert.Equal(t, thumb, tdata)
}

func TestMultiLevelFile(t *testing.T) {
	t.Parallel()

	spec0 := pix.NewImageSpec2D(32, 32, 1, pix.TypeUInt8)
	spec0.TileWidth, spec0.TileHeight = 16, 16
	spec1 := pix.NewImageSpec2D(16, 16, 1, pix.TypeUInt8)
	spec1.TileWidth, spec1.TileHeight = 16, 16

	img := Image{Subimages: []Subimage{{Levels: []Level{
		{Spec: spec0, Pixels: pattern(spec0)},
		{Spec: spec1, Pixels: pattern(spec1)},
	}}}}
	path := filepath.Join(t.TempDir(), "mip.rtx")
	require.NoError(t, Write(path, img))

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 2, d.NumMiplevels(0))
	s1, err := d.Spec(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, s1.Width)

	tile := make([]byte, 16*16)
	require.NoError(t, d.ReadTile(0, 1, 0, 0, 0, 0, 1, pix.TypeUInt8, tile))
	assert.Equal(t, pattern(spec1), tile)
}

func TestOpenRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.rtx")
	require.NoError(t, os.WriteFile(path, []byte("not an image at all"), 0o644))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestBadIndicesRejected(t *testing.T) {
	t.Parallel()

	spec := pix.NewImageSpec2D(8, 8, 1, pix.TypeUInt8)
	spec.TileWidth, spec.TileHeight = 8, 8
	path, _ := writeOne(t, spec)

	d, err := Open(path, nil)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Spec(1, 0)
	assert.Error(t, err)
	_, err = d.Spec(0, 5)
	assert.Error(t, err)

	buf := make([]byte, 64)
	assert.Error(t, d.ReadTile(0, 0, 3, 0, 0, 0, 1, pix.TypeUInt8, buf), "off-grid origin")
	assert.Error(t, d.ReadTile(0, 0, 16, 0, 0, 0, 1, pix.TypeUInt8, buf), "tile out of range")
}
