package rawtile

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgcache/pix"
)

// Level is one miplevel of pixel data to write. Pixels are contiguous
// row-major in the spec's native format, full channels.
type Level struct {
	Spec   pix.ImageSpec
	Pixels []byte
}

// Subimage groups the miplevels of one subimage.
type Subimage struct {
	Levels []Level
}

// Image is the in-memory form handed to Write.
type Image struct {
	Subimages []Subimage
}

// WriteOption configures Write.
type WriteOption func(*writeConfig)

type writeConfig struct {
	compress    bool
	fingerprint digest.Digest
	autoFP      bool
	thumbSpec   pix.ImageSpec
	thumbData   []byte
}

// WithCompression toggles zstd chunk compression. Default on.
func WithCompression(on bool) WriteOption {
	return func(c *writeConfig) { c.compress = on }
}

// WithFingerprint records an explicit content fingerprint.
func WithFingerprint(d digest.Digest) WriteOption {
	return func(c *writeConfig) { c.fingerprint = d }
}

// WithAutoFingerprint records a SHA-1 fingerprint computed over the
// canonical (uncompressed) pixel data of every level.
func WithAutoFingerprint() WriteOption {
	return func(c *writeConfig) { c.autoFP = true }
}

// WithThumbnail embeds a float32 thumbnail.
func WithThumbnail(width, height, nchannels int, data []byte) WriteOption {
	return func(c *writeConfig) {
		c.thumbSpec = pix.NewImageSpec2D(width, height, nchannels, pix.TypeFloat)
		c.thumbData = data
	}
}

// Write encodes img to path.
func Write(path string, img Image, opts ...WriteOption) error {
	cfg := writeConfig{compress: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(img.Subimages) == 0 {
		return fmt.Errorf("rawtile: no subimages")
	}
	for si, sub := range img.Subimages {
		if len(sub.Levels) == 0 {
			return fmt.Errorf("rawtile: subimage %d has no levels", si)
		}
		for li, lv := range sub.Levels {
			if want := lv.Spec.ImageBytes(); int64(len(lv.Pixels)) != want {
				return fmt.Errorf("rawtile: subimage %d level %d: %d pixel bytes, want %d",
					si, li, len(lv.Pixels), want)
			}
		}
	}

	if cfg.autoFP && cfg.fingerprint == "" {
		h := sha1.New()
		for _, sub := range img.Subimages {
			for _, lv := range sub.Levels {
				h.Write(lv.Pixels)
			}
		}
		cfg.fingerprint = digest.NewDigestFromBytes(sha1Algorithm, h.Sum(nil))
	}

	var flags uint16
	if cfg.compress {
		flags |= flagZstd
	}
	if cfg.fingerprint != "" {
		flags |= flagFingerprint
	}
	if len(cfg.thumbData) > 0 {
		flags |= flagThumbnail
	}

	// Compress chunks first so the tables can carry real offsets.
	var all []levelChunks
	for _, sub := range img.Subimages {
		for _, lv := range sub.Levels {
			lc, err := splitChunks(&lv.Spec, lv.Pixels, cfg.compress)
			if err != nil {
				return err
			}
			all = append(all, lc)
		}
	}

	var head bytes.Buffer
	head.Write(magic[:])
	le16(&head, version)
	le16(&head, flags)
	le32(&head, uint32(len(img.Subimages)))
	for _, sub := range img.Subimages {
		le32(&head, uint32(len(sub.Levels)))
		for _, lv := range sub.Levels {
			writeSpec(&head, &lv.Spec)
		}
	}
	if flags&flagFingerprint != 0 {
		le16(&head, uint16(len(cfg.fingerprint)))
		head.WriteString(string(cfg.fingerprint))
	}
	if flags&flagThumbnail != 0 {
		le32(&head, uint32(cfg.thumbSpec.Width))
		le32(&head, uint32(cfg.thumbSpec.Height))
		le32(&head, uint32(cfg.thumbSpec.NChannels))
		head.Write(cfg.thumbData)
	}

	// Chunk tables: offsets are relative to the file start, so compute
	// the table size before laying payloads.
	tableBytes := 0
	for _, lc := range all {
		tableBytes += 4 + len(lc.payloads)*16
	}
	off := int64(head.Len() + tableBytes)

	var tables bytes.Buffer
	for _, lc := range all {
		le32(&tables, uint32(len(lc.payloads)))
		for i, p := range lc.payloads {
			le64(&tables, uint64(off))
			le32(&tables, uint32(len(p)))
			le32(&tables, lc.ulens[i])
			off += int64(len(p))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(head.Bytes()); err != nil {
		return err
	}
	if _, err := f.Write(tables.Bytes()); err != nil {
		return err
	}
	for _, lc := range all {
		for _, p := range lc.payloads {
			if _, err := f.Write(p); err != nil {
				return err
			}
		}
	}
	return f.Close()
}

// levelChunks holds one level's encoded chunk payloads in file order.
type levelChunks struct {
	payloads [][]byte
	ulens    []uint32
}

// splitChunks slices one level's pixels into its chunk payloads in file
// order, compressing each when requested.
func splitChunks(s *pix.ImageSpec, pixels []byte, compress bool) (levelChunks, error) {
	var out levelChunks
	pb := s.PixelBytes()
	rowBytes := s.Width * pb
	sliceBytes := s.Height * rowBytes

	add := func(raw []byte) {
		out.ulens = append(out.ulens, uint32(len(raw)))
		if compress {
			out.payloads = append(out.payloads, zenc.EncodeAll(raw, nil))
		} else {
			out.payloads = append(out.payloads, raw)
		}
	}

	if s.Tiled() {
		td := s.TileDepth
		if td == 0 {
			td = 1
		}
		tilesX := ceilDiv(s.Width, s.TileWidth)
		tilesY := ceilDiv(s.Height, s.TileHeight)
		tilesZ := ceilDiv(s.Depth, td)
		for tz := 0; tz < tilesZ; tz++ {
			for ty := 0; ty < tilesY; ty++ {
				for tx := 0; tx < tilesX; tx++ {
					cw := min(s.TileWidth, s.Width-tx*s.TileWidth)
					ch := min(s.TileHeight, s.Height-ty*s.TileHeight)
					cd := min(td, s.Depth-tz*td)
					raw := make([]byte, 0, cw*ch*cd*pb)
					for dz := 0; dz < cd; dz++ {
						for dy := 0; dy < ch; dy++ {
							rowOff := (tz*td+dz)*sliceBytes + (ty*s.TileHeight+dy)*rowBytes + tx*s.TileWidth*pb
							raw = append(raw, pixels[rowOff:rowOff+cw*pb]...)
						}
					}
					add(raw)
				}
			}
		}
		return out, nil
	}

	for z := 0; z < s.Depth; z++ {
		for band := 0; band*bandRows < s.Height; band++ {
			y0 := band * bandRows
			y1 := min(y0+bandRows, s.Height)
			off := z*sliceBytes + y0*rowBytes
			add(pixels[off : off+(y1-y0)*rowBytes])
		}
	}
	return out, nil
}

func writeSpec(b *bytes.Buffer, s *pix.ImageSpec) {
	le32(b, uint32(int32(s.X)))
	le32(b, uint32(int32(s.Y)))
	le32(b, uint32(int32(s.Z)))
	le32(b, uint32(s.Width))
	le32(b, uint32(s.Height))
	le32(b, uint32(max(s.Depth, 1)))
	le32(b, uint32(int32(s.FullX)))
	le32(b, uint32(int32(s.FullY)))
	le32(b, uint32(int32(s.FullZ)))
	le32(b, uint32(s.FullWidth))
	le32(b, uint32(s.FullHeight))
	le32(b, uint32(max(s.FullDepth, 1)))
	le32(b, uint32(s.TileWidth))
	le32(b, uint32(s.TileHeight))
	le32(b, uint32(s.TileDepth))
	le32(b, uint32(s.NChannels))
	b.WriteByte(byte(s.Format))
	b.Write([]byte{0, 0, 0})
}

func le16(b *bytes.Buffer, v uint16) {
	var t [2]byte
	binary.LittleEndian.PutUint16(t[:], v)
	b.Write(t[:])
}

func le32(b *bytes.Buffer, v uint32) {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	b.Write(t[:])
}

func le64(b *bytes.Buffer, v uint64) {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	b.Write(t[:])
}
