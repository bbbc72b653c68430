package imgcache

import (
	"container/list"
	"encoding/binary"
	"sync/atomic"

	"github.com/meigma/imgcache/pix"
)

// tileKey identifies one cached tile. The origin (x, y, z) is always
// aligned to the file's cached tile grid, and the channel range is
// normalized to the full range when the caller wanted all channels.
type tileKey struct {
	file               *fileRecord
	subimage, miplevel int
	x, y, z            int
	chbegin, chend     int
}

// hashBytes serializes the key for shard selection.
func (k *tileKey) hashBytes(buf *[64]byte) []byte {
	b := buf[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(k.file.id))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.subimage))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.miplevel))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(k.x)))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(k.y)))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(k.z)))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.chbegin))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.chend))
	return b
}

// Tile is a borrowed reference to one cached tile. Every Tile obtained
// from GetTile (or handed out by a gather) must be released exactly
// once; the pixel storage stays valid until then even if the tile is
// concurrently invalidated or evicted from the cache index.
type Tile struct {
	key    tileKey
	pixels []byte
	format pix.TypeDesc
	roi    pix.ROI // pixel region covered (clipped to the data window)
	size   int64   // accounted bytes

	refs atomic.Int32
	used atomic.Bool

	// broken marks tiles removed by invalidation; reclaimed guards the
	// memory accounting so it runs once whether the last reference is
	// dropped before or after removal.
	broken    atomic.Bool
	reclaimed atomic.Bool

	// orphan tiles were decoded but never admitted to the cache (lost
	// an admission race against eviction); they carry no accounting.
	orphan bool

	elem *list.Element // clock list position, guarded by the shard lock
}

// Pixels returns the tile's pixel storage: the clipped region ROI(),
// row-major, channels interleaved, in Format().
func (t *Tile) Pixels() []byte { return t.pixels }

// Format returns the element type the tile is cached as.
func (t *Tile) Format() pix.TypeDesc { return t.format }

// ROI returns the pixel region the tile covers, including its channel
// range.
func (t *Tile) ROI() pix.ROI { return t.roi }

// nchannels returns the stored channel count.
func (t *Tile) nchannels() int { return t.key.chend - t.key.chbegin }

// pixelStride returns the byte stride between stored pixels.
func (t *Tile) pixelStride() int { return t.nchannels() * t.format.Size() }

// rowBytes returns the byte length of one stored row.
func (t *Tile) rowBytes() int { return t.roi.Width() * t.pixelStride() }
