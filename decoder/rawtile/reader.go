package rawtile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/oxtoacart/bpool"
	"golang.org/x/exp/mmap"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/pix"
)

func init() {
	decoder.Register(decoder.Format{
		Name:       FormatName,
		Extensions: []string{Ext},
		Open: func(path string, config *pix.ImageSpec) (decoder.Decoder, error) {
			return Open(path, config)
		},
	})
}

// level holds the parsed spec and chunk table of one miplevel.
type level struct {
	spec   pix.ImageSpec
	chunks []chunk
}

type subimage struct {
	levels []level
}

// Decoder reads a rawtile file through a memory map.
type Decoder struct {
	r         *mmap.ReaderAt
	path      string
	flags     uint16
	subimages []subimage

	fingerprint digest.Digest
	thumbSpec   pix.ImageSpec
	thumbData   []byte

	// scratch holds decompression buffers sized to the largest
	// uncompressed chunk in the file.
	scratch *bpool.BytePool
}

var (
	_ decoder.Decoder       = (*Decoder)(nil)
	_ decoder.Fingerprinter = (*Decoder)(nil)
	_ decoder.Thumbnailer   = (*Decoder)(nil)
	_ decoder.ThreadSafe    = (*Decoder)(nil)
)

// Open maps path and parses its header. The config hint is accepted for
// interface compatibility and ignored; rawtile files are self-describing.
func Open(path string, _ *pix.ImageSpec) (*Decoder, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	d := &Decoder{r: r, path: path}
	if err := d.parse(); err != nil {
		r.Close()
		return nil, err
	}
	return d, nil
}

// cursor reads little-endian values sequentially from an io.ReaderAt
// with a sticky error.
type cursor struct {
	r   io.ReaderAt
	off int64
	err error
	tmp [8]byte
}

func (c *cursor) read(n int) []byte {
	if c.err != nil {
		return c.tmp[:n]
	}
	if _, err := c.r.ReadAt(c.tmp[:n], c.off); err != nil {
		c.err = err
		return c.tmp[:n]
	}
	c.off += int64(n)
	return c.tmp[:n]
}

func (c *cursor) u8() uint8   { return c.read(1)[0] }
func (c *cursor) u16() uint16 { return binary.LittleEndian.Uint16(c.read(2)) }
func (c *cursor) u32() uint32 { return binary.LittleEndian.Uint32(c.read(4)) }
func (c *cursor) u64() uint64 { return binary.LittleEndian.Uint64(c.read(8)) }
func (c *cursor) i32() int32  { return int32(c.u32()) }

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || n < 0 {
		return nil
	}
	b := make([]byte, n)
	if _, err := c.r.ReadAt(b, c.off); err != nil {
		c.err = err
		return nil
	}
	c.off += int64(n)
	return b
}

func (d *Decoder) parse() error {
	c := &cursor{r: d.r}

	var m [4]byte
	copy(m[:], c.read(4))
	if c.err == nil && m != magic {
		return ErrBadMagic
	}
	if v := c.u16(); c.err == nil && v != version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	d.flags = c.u16()

	nsub := int(c.u32())
	if c.err == nil && (nsub <= 0 || nsub > 1<<16) {
		return ErrCorrupt
	}
	d.subimages = make([]subimage, 0, nsub)
	for s := 0; s < nsub && c.err == nil; s++ {
		nmips := int(c.u32())
		if nmips <= 0 || nmips > 32 {
			return ErrCorrupt
		}
		sub := subimage{levels: make([]level, 0, nmips)}
		for i := 0; i < nmips; i++ {
			sub.levels = append(sub.levels, level{spec: readSpec(c)})
		}
		d.subimages = append(d.subimages, sub)
	}

	if d.flags&flagFingerprint != 0 {
		n := int(c.u16())
		d.fingerprint = digest.Digest(c.bytes(n))
	}
	if d.flags&flagThumbnail != 0 {
		w, h, nch := int(c.u32()), int(c.u32()), int(c.u32())
		if w <= 0 || h <= 0 || nch <= 0 || w*h*nch > 1<<24 {
			return ErrCorrupt
		}
		d.thumbSpec = pix.NewImageSpec2D(w, h, nch, pix.TypeFloat)
		d.thumbData = c.bytes(w * h * nch * 4)
	}

	maxULen := 0
	for si := range d.subimages {
		for li := range d.subimages[si].levels {
			lv := &d.subimages[si].levels[li]
			nchunks := int(c.u32())
			want := chunkCount(&lv.spec)
			if c.err == nil && nchunks != want {
				return ErrCorrupt
			}
			lv.chunks = make([]chunk, nchunks)
			for i := 0; i < nchunks; i++ {
				lv.chunks[i] = chunk{off: int64(c.u64()), clen: c.u32(), ulen: c.u32()}
				if int(lv.chunks[i].ulen) > maxULen {
					maxULen = int(lv.chunks[i].ulen)
				}
			}
		}
	}
	if c.err != nil {
		return fmt.Errorf("rawtile: parse %q: %w", d.path, c.err)
	}
	if maxULen > 0 {
		d.scratch = bpool.NewBytePool(4, maxULen)
	}
	return nil
}

func readSpec(c *cursor) pix.ImageSpec {
	var s pix.ImageSpec
	s.X, s.Y, s.Z = int(c.i32()), int(c.i32()), int(c.i32())
	s.Width, s.Height, s.Depth = int(c.u32()), int(c.u32()), int(c.u32())
	s.FullX, s.FullY, s.FullZ = int(c.i32()), int(c.i32()), int(c.i32())
	s.FullWidth, s.FullHeight, s.FullDepth = int(c.u32()), int(c.u32()), int(c.u32())
	s.TileWidth, s.TileHeight, s.TileDepth = int(c.u32()), int(c.u32()), int(c.u32())
	s.NChannels = int(c.u32())
	s.Format = pix.TypeDesc(c.u8())
	c.read(3) // pad
	return s
}

// chunkCount returns the number of chunks one level occupies: one per
// tile for tiled specs, one per band of bandRows rows per z slice for
// scanline specs.
func chunkCount(s *pix.ImageSpec) int {
	if s.Tiled() {
		tx := ceilDiv(s.Width, s.TileWidth)
		ty := ceilDiv(s.Height, s.TileHeight)
		td := s.TileDepth
		if td == 0 {
			td = 1
		}
		tz := ceilDiv(s.Depth, td)
		return tx * ty * tz
	}
	return ceilDiv(s.Height, bandRows) * s.Depth
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// NumSubimages implements decoder.Decoder.
func (d *Decoder) NumSubimages() int { return len(d.subimages) }

// NumMiplevels implements decoder.Decoder.
func (d *Decoder) NumMiplevels(subimage int) int {
	if subimage < 0 || subimage >= len(d.subimages) {
		return 0
	}
	return len(d.subimages[subimage].levels)
}

// Spec implements decoder.Decoder.
func (d *Decoder) Spec(subimage, miplevel int) (*pix.ImageSpec, error) {
	lv, err := d.level(subimage, miplevel)
	if err != nil {
		return nil, err
	}
	return &lv.spec, nil
}

func (d *Decoder) level(subimage, miplevel int) (*level, error) {
	if d.r == nil {
		return nil, ErrClosed
	}
	if subimage < 0 || subimage >= len(d.subimages) {
		return nil, fmt.Errorf("%w: subimage %d", decoder.ErrBadSubimage, subimage)
	}
	sub := &d.subimages[subimage]
	if miplevel < 0 || miplevel >= len(sub.levels) {
		return nil, fmt.Errorf("%w: miplevel %d", decoder.ErrBadSubimage, miplevel)
	}
	return &sub.levels[miplevel], nil
}

// Fingerprint implements decoder.Fingerprinter. Empty when the file
// records no fingerprint.
func (d *Decoder) Fingerprint() digest.Digest { return d.fingerprint }

// Thumbnail implements decoder.Thumbnailer.
func (d *Decoder) Thumbnail(subimage int) (pix.ImageSpec, []byte, error) {
	if d.flags&flagThumbnail == 0 || subimage != 0 {
		return pix.ImageSpec{}, nil, nil
	}
	return d.thumbSpec, d.thumbData, nil
}

// ConcurrentReadsSafe implements decoder.ThreadSafe: all reads go
// through the shared memory map and per-call scratch buffers.
func (d *Decoder) ConcurrentReadsSafe() bool { return true }

// Close implements decoder.Decoder.
func (d *Decoder) Close() error {
	if d.r == nil {
		return nil
	}
	err := d.r.Close()
	d.r = nil
	return err
}

// loadChunk reads and, if needed, decompresses chunk i of a level. The
// returned release func must be called when the bytes are no longer
// needed; it returns pooled scratch.
func (d *Decoder) loadChunk(lv *level, i int) ([]byte, func(), error) {
	if i < 0 || i >= len(lv.chunks) {
		return nil, nil, ErrCorrupt
	}
	ck := lv.chunks[i]
	release := func() {}

	raw := make([]byte, ck.clen)
	if _, err := d.r.ReadAt(raw, ck.off); err != nil {
		return nil, nil, fmt.Errorf("rawtile: read chunk: %w", err)
	}
	if d.flags&flagZstd == 0 {
		if ck.clen != ck.ulen {
			return nil, nil, ErrCorrupt
		}
		return raw, release, nil
	}

	var dst []byte
	if d.scratch != nil {
		buf := d.scratch.Get()
		release = func() { d.scratch.Put(buf) }
		dst = buf[:0]
	}
	out, err := zdec.DecodeAll(raw, dst)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("rawtile: decompress chunk: %w", err)
	}
	if len(out) != int(ck.ulen) {
		release()
		return nil, nil, ErrCorrupt
	}
	return out, release, nil
}

// ReadTile implements decoder.Decoder for tiled levels.
func (d *Decoder) ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error {
	lv, err := d.level(subimage, miplevel)
	if err != nil {
		return err
	}
	s := &lv.spec
	if !s.Tiled() {
		return decoder.ErrNotTiled
	}
	if chbegin < 0 || chend > s.NChannels || chbegin >= chend {
		return fmt.Errorf("rawtile: bad channel range [%d,%d)", chbegin, chend)
	}
	td := s.TileDepth
	if td == 0 {
		td = 1
	}
	if (x-s.X)%s.TileWidth != 0 || (y-s.Y)%s.TileHeight != 0 || (z-s.Z)%td != 0 {
		return fmt.Errorf("rawtile: tile origin (%d,%d,%d) not on tile grid", x, y, z)
	}
	tx := (x - s.X) / s.TileWidth
	ty := (y - s.Y) / s.TileHeight
	tz := (z - s.Z) / td
	tilesX := ceilDiv(s.Width, s.TileWidth)
	tilesY := ceilDiv(s.Height, s.TileHeight)
	tilesZ := ceilDiv(s.Depth, td)
	if tx < 0 || tx >= tilesX || ty < 0 || ty >= tilesY || tz < 0 || tz >= tilesZ {
		return fmt.Errorf("rawtile: tile (%d,%d,%d) out of range", tx, ty, tz)
	}

	raw, release, err := d.loadChunk(lv, (tz*tilesY+ty)*tilesX+tx)
	if err != nil {
		return err
	}
	defer release()

	cw := min(s.TileWidth, s.Width-tx*s.TileWidth)
	ch := min(s.TileHeight, s.Height-ty*s.TileHeight)
	cd := min(td, s.Depth-tz*td)
	npix := cw * ch * cd
	if len(raw) != npix*s.PixelBytes() {
		return ErrCorrupt
	}
	copyChannels(dst, format, chbegin, chend, raw, s.Format, s.NChannels, npix)
	return nil
}

// ReadScanlines implements decoder.Decoder for untiled levels.
func (d *Decoder) ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error {
	lv, err := d.level(subimage, miplevel)
	if err != nil {
		return err
	}
	s := &lv.spec
	if s.Tiled() {
		return decoder.ErrTiled
	}
	if chbegin < 0 || chend > s.NChannels || chbegin >= chend {
		return fmt.Errorf("rawtile: bad channel range [%d,%d)", chbegin, chend)
	}
	if ybegin < s.Y || yend > s.Y+s.Height || ybegin >= yend {
		return fmt.Errorf("rawtile: scanline range [%d,%d) out of range", ybegin, yend)
	}
	zi := z - s.Z
	if zi < 0 || zi >= s.Depth {
		return fmt.Errorf("rawtile: z slice %d out of range", z)
	}

	bands := ceilDiv(s.Height, bandRows)
	nch := chend - chbegin
	dstRow := s.Width * nch * format.Size()

	for band := (ybegin - s.Y) / bandRows; band*bandRows < yend-s.Y; band++ {
		raw, release, err := d.loadChunk(lv, zi*bands+band)
		if err != nil {
			return err
		}
		bandY0 := s.Y + band*bandRows
		bandY1 := min(bandY0+bandRows, s.Y+s.Height)
		rowBytes := s.Width * s.PixelBytes()
		if len(raw) != (bandY1-bandY0)*rowBytes {
			release()
			return ErrCorrupt
		}
		y0 := max(ybegin, bandY0)
		y1 := min(yend, bandY1)
		for y := y0; y < y1; y++ {
			src := raw[(y-bandY0)*rowBytes:]
			out := dst[(y-ybegin)*dstRow:]
			copyChannels(out, format, chbegin, chend, src, s.Format, s.NChannels, s.Width)
		}
		release()
	}
	return nil
}

// copyChannels converts npix pixels from src (full srcNch channels of
// srcType) into dst holding channels [chbegin, chend) of dstType.
func copyChannels(dst []byte, dstType pix.TypeDesc, chbegin, chend int, src []byte, srcType pix.TypeDesc, srcNch, npix int) {
	nch := chend - chbegin
	if chbegin == 0 && nch == srcNch {
		pix.ConvertElements(dst, dstType, dstType.Size(), src, srcType, srcType.Size(), npix*srcNch)
		return
	}
	ssize := srcType.Size()
	dsize := dstType.Size()
	for p := 0; p < npix; p++ {
		pix.ConvertElements(
			dst[p*nch*dsize:], dstType, dsize,
			src[(p*srcNch+chbegin)*ssize:], srcType, ssize,
			nch,
		)
	}
}
