// Package decoder defines the plugin contract between the image cache
// and file-format decoders, and a registry keyed by filename extension.
//
// The cache owns decoder lifetimes: it opens decoders on demand, bounds
// how many stay open at once, and closes them under memory or handle
// pressure. Decoders therefore must tolerate being closed and reopened
// between reads.
package decoder

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgcache/pix"
)

// Registry and contract errors.
var (
	// ErrNoDecoder is returned when no registered format accepts a file.
	ErrNoDecoder = errors.New("decoder: no decoder accepts file")

	// ErrBadSubimage is returned for out-of-range subimage or miplevel
	// indices.
	ErrBadSubimage = errors.New("decoder: subimage or miplevel out of range")

	// ErrNotTiled is returned by ReadTile on scanline files.
	ErrNotTiled = errors.New("decoder: image is not tiled")

	// ErrTiled is returned by ReadScanlines on tiled files.
	ErrTiled = errors.New("decoder: image is tiled")
)

// Decoder reads pixel data from one open image file. Implementations
// need not be safe for concurrent use; the cache serializes access per
// file unless the decoder also implements ThreadSafe.
type Decoder interface {
	// NumSubimages returns the number of subimages in the file.
	NumSubimages() int

	// NumMiplevels returns the number of MIP levels stored in the file
	// for the given subimage.
	NumMiplevels(subimage int) int

	// Spec returns the image specification of one miplevel of one
	// subimage. The returned value must remain valid until Close.
	Spec(subimage, miplevel int) (*pix.ImageSpec, error)

	// ReadTile reads the tile whose origin is (x, y, z) on the file's
	// native tile grid, converting to format and writing channels
	// [chbegin, chend) contiguously into dst. Tiles overlapping the
	// edge of the data window are clipped: dst receives only the pixels
	// inside the data window, packed row-major.
	ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error

	// ReadScanlines reads rows [ybegin, yend) of slice z, converting to
	// format and writing channels [chbegin, chend) contiguously into
	// dst. Only meaningful for untiled files.
	ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, format pix.TypeDesc, dst []byte) error

	// Close releases the file handle. The decoder must not be used
	// afterward.
	Close() error
}

// Fingerprinter is implemented by decoders whose format records a
// content fingerprint (typically a SHA-1 of the canonical pixel data).
// The cache uses it for content-addressed deduplication.
type Fingerprinter interface {
	Fingerprint() digest.Digest
}

// Thumbnailer is implemented by decoders whose format embeds a reduced
// preview image.
type Thumbnailer interface {
	Thumbnail(subimage int) (pix.ImageSpec, []byte, error)
}

// ThreadSafe marks decoders that tolerate concurrent Read calls. The
// cache may then overlap reads of one file from several goroutines.
type ThreadSafe interface {
	ConcurrentReadsSafe() bool
}

// OpenFunc opens a file for reading. config, when non-nil, carries
// caller hints (for example a channel-count override used by file
// creators registered through AddFile).
type OpenFunc func(path string, config *pix.ImageSpec) (Decoder, error)

// Format describes one registered file format.
type Format struct {
	Name       string
	Extensions []string
	Open       OpenFunc
}

var (
	registryMu sync.RWMutex
	formats    []Format
	byExt      = map[string]Format{}
)

// Register adds a format to the registry. Later registrations win on
// extension conflicts. Typically called from a format package's init.
func Register(f Format) {
	registryMu.Lock()
	defer registryMu.Unlock()
	formats = append(formats, f)
	for _, ext := range f.Extensions {
		byExt[strings.ToLower(ext)] = f
	}
}

// Formats returns the registered format names, sorted.
func Formats() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Open opens path with the format registered for its extension. When
// trustExtensions is false and the extension lookup fails (or the
// format rejects the file), every registered format is tried in turn.
func Open(path string, config *pix.ImageSpec, trustExtensions bool) (Decoder, error) {
	registryMu.RLock()
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	f, ok := byExt[ext]
	all := make([]Format, len(formats))
	copy(all, formats)
	registryMu.RUnlock()

	if ok {
		d, err := f.Open(path, config)
		if err == nil {
			return d, nil
		}
		if trustExtensions {
			return nil, fmt.Errorf("decoder: %s rejected %q: %w", f.Name, path, err)
		}
	} else if trustExtensions {
		return nil, fmt.Errorf("%w: %q", ErrNoDecoder, path)
	}

	var firstErr error
	for _, g := range all {
		if ok && g.Name == f.Name {
			continue
		}
		d, err := g.Open(path, config)
		if err == nil {
			return d, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("%w: %q (last error: %v)", ErrNoDecoder, path, firstErr)
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDecoder, path)
}
