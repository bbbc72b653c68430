// Package imagetest builds rawtile fixture files and in-memory
// decoders for cache tests.
package imagetest

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/decoder/rawtile"
	"github.com/meigma/imgcache/pix"
)

// Pattern fills a deterministic pixel pattern: every element is a
// function of (x, y, z, channel), so tests can verify any sub-rectangle
// independently.
func Pattern(spec pix.ImageSpec) []byte {
	buf := make([]byte, spec.ImageBytes())
	es := spec.Format.Size()
	i := 0
	for z := 0; z < max(spec.Depth, 1); z++ {
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				for ch := 0; ch < spec.NChannels; ch++ {
					pix.PutFloat32At(buf, spec.Format, i, PatternValue(spec.X+x, spec.Y+y, spec.Z+z, ch))
					i += es
				}
			}
		}
	}
	return buf
}

// PatternValue is the expected value of one element of Pattern, in
// [0, 1) so it survives round-trips through normalized integer types.
func PatternValue(x, y, z, ch int) float32 {
	return float32((x*31+y*17+z*13+ch*7)%256) / 256.0
}

// WriteTiled writes a single-subimage tiled file and returns its
// pattern pixels.
func WriteTiled(t *testing.T, path string, w, h, nch, tileW, tileH int, format pix.TypeDesc, opts ...rawtile.WriteOption) []byte {
	t.Helper()
	spec := pix.NewImageSpec2D(w, h, nch, format)
	spec.TileWidth, spec.TileHeight, spec.TileDepth = tileW, tileH, 1
	pixels := Pattern(spec)
	img := rawtile.Image{Subimages: []rawtile.Subimage{
		{Levels: []rawtile.Level{{Spec: spec, Pixels: pixels}}},
	}}
	if err := rawtile.Write(path, img, opts...); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return pixels
}

// WriteScanline writes a single-subimage scanline (untiled) file.
func WriteScanline(t *testing.T, path string, w, h, nch int, format pix.TypeDesc, opts ...rawtile.WriteOption) []byte {
	t.Helper()
	spec := pix.NewImageSpec2D(w, h, nch, format)
	pixels := Pattern(spec)
	img := rawtile.Image{Subimages: []rawtile.Subimage{
		{Levels: []rawtile.Level{{Spec: spec, Pixels: pixels}}},
	}}
	if err := rawtile.Write(path, img, opts...); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return pixels
}

// TempFile returns a unique .rtx path under the test's temp dir.
func TempFile(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// FlakyDecoder wraps a decoder and fails ReadTile/ReadScanlines until
// the shared failure budget is consumed, for failure_retries tests.
// The budget is shared across reopens, matching a transiently
// unreadable file that recovers.
type FlakyDecoder struct {
	decoder.Decoder
	shared *atomic.Int32
}

// NewFlakyCreator returns an OpenFunc whose decoders fail the first
// failures reads.
func NewFlakyCreator(failures int32) decoder.OpenFunc {
	var remaining atomic.Int32
	remaining.Store(failures)
	return func(path string, config *pix.ImageSpec) (decoder.Decoder, error) {
		base, err := rawtile.Open(path, config)
		if err != nil {
			return nil, err
		}
		return &FlakyDecoder{Decoder: base, shared: &remaining}, nil
	}
}

// ReadTile fails while the failure budget lasts.
func (d *FlakyDecoder) ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error {
	if d.shared.Add(-1) >= 0 {
		return fmt.Errorf("imagetest: injected read failure")
	}
	return d.Decoder.ReadTile(subimage, miplevel, x, y, z, chbegin, chend, format, dst)
}

// ReadScanlines fails while the failure budget lasts.
func (d *FlakyDecoder) ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error {
	if d.shared.Add(-1) >= 0 {
		return fmt.Errorf("imagetest: injected read failure")
	}
	return d.Decoder.ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend, format, dst)
}
