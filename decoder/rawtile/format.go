// Package rawtile implements a minimal tiled/scanline image format used
// as the cache's built-in decoder. Files carry one or more subimages,
// each with one or more MIP levels, optionally zstd-compressed per
// chunk, with an optional content fingerprint and embedded thumbnail.
package rawtile

import (
	"errors"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// FormatName is the registry name of this format.
const FormatName = "rawtile"

// Ext is the conventional filename extension.
const Ext = "rtx"

var magic = [4]byte{'R', 'T', 'I', '1'}

const version = 1

// Header flags.
const (
	flagZstd        = 1 << 0
	flagFingerprint = 1 << 1
	flagThumbnail   = 1 << 2
)

// bandRows is the number of scanline rows grouped into one chunk for
// untiled images.
const bandRows = 16

// sha1Algorithm is the digest algorithm rawtile fingerprints use. SHA-1
// matches what texture pipelines record in file headers; go-digest only
// formats the value, it never needs to re-hash with it.
const sha1Algorithm = digest.Algorithm("sha1")

// Format errors.
var (
	ErrBadMagic   = errors.New("rawtile: bad magic")
	ErrBadVersion = errors.New("rawtile: unsupported version")
	ErrCorrupt    = errors.New("rawtile: corrupt file")
	ErrClosed     = errors.New("rawtile: decoder is closed")
)

// Shared zstd coders. EncodeAll/DecodeAll are safe for concurrent use.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// chunk locates one compressed tile or scanline band in the file.
type chunk struct {
	off  int64
	clen uint32
	ulen uint32
}
