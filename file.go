package imgcache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/pix"
)

// levelRec is one MIP level as the cache sees it: the native spec plus
// the virtual tile grid imposed on it (autotile for scanline files,
// whole-image for untiled files without autotile).
type levelRec struct {
	spec pix.ImageSpec

	// Cached tile grid dimensions.
	tileW, tileH, tileD int

	// synthesized levels do not exist in the file; their tiles are
	// produced by downsampling the next higher-resolution level.
	synthesized bool
}

// cacheROI returns the data window of the level.
func (lr *levelRec) cacheROI() pix.ROI { return lr.spec.ROI() }

// tileOrigin returns the cached-grid tile origin containing (x, y, z).
func (lr *levelRec) tileOrigin(x, y, z int) (int, int, int) {
	s := &lr.spec
	fx := s.X + ((x-s.X)/lr.tileW)*lr.tileW
	fy := s.Y + ((y-s.Y)/lr.tileH)*lr.tileH
	fz := s.Z + ((z-s.Z)/lr.tileD)*lr.tileD
	return fx, fy, fz
}

// tileROI returns the clipped region of the tile whose origin is
// (x0, y0, z0), with the given channel range.
func (lr *levelRec) tileROI(x0, y0, z0, chbegin, chend int) pix.ROI {
	s := &lr.spec
	return pix.ROI{
		XBegin: x0, XEnd: min(x0+lr.tileW, s.X+s.Width),
		YBegin: y0, YEnd: min(y0+lr.tileH, s.Y+s.Height),
		ZBegin: z0, ZEnd: min(z0+lr.tileD, s.Z+s.Depth),
		ChBegin: chbegin, ChEnd: chend,
	}
}

// subimageRec carries the per-subimage level table. Levels beyond
// fileLevels are synthesized by automip.
type subimageRec struct {
	levels     []levelRec
	fileLevels int
	cacheFmt   pix.TypeDesc
}

// fileRecord is the per-file state: identity, decoder handle, spec
// metadata, and flags. The mutex guards open state and serializes
// decodes for non-thread-safe decoders; invalidation takes it
// exclusively.
type fileRecord struct {
	id   int64 // stable sequence number, used in tile hashing
	name string
	path string

	mu  sync.RWMutex
	dec decoder.Decoder

	// openElem is this file's node in the open-file LRU; guarded by
	// the openFiles lock, not mu.
	openElem *list.Element

	validSpec bool
	broken    bool
	brokenErr error
	mtime     time.Time
	fileSize  int64

	fingerprint digest.Digest
	duplicateOf *fileRecord

	subimages []subimageRec

	udim       bool
	untiled    bool
	unmipped   bool
	threadsafe bool

	// creator overrides the registry lookup; set by AddFile.
	creator decoder.OpenFunc
	config  *pix.ImageSpec

	errCount atomic.Int32

	// Per-file statistics.
	timesOpened atomic.Int64
	tilesRead   atomic.Int64
	bytesRead   atomic.Int64
	ioNanos     atomic.Int64
	mipUsed     atomic.Bool
}

// target follows the dedup redirect, if any.
func (f *fileRecord) target() *fileRecord {
	f.mu.RLock()
	dup := f.duplicateOf
	f.mu.RUnlock()
	if dup != nil {
		return dup
	}
	return f
}

// levelInfo returns the level record for (subimage, miplevel). The
// caller must ensure the spec is valid (file opened at least once).
func (f *fileRecord) levelInfo(subimage, miplevel int) (*levelRec, error) {
	if subimage < 0 || subimage >= len(f.subimages) {
		return nil, fmt.Errorf("%w: subimage %d of %q", ErrBadSubimage, subimage, f.name)
	}
	sub := &f.subimages[subimage]
	if miplevel < 0 || miplevel >= len(sub.levels) {
		return nil, fmt.Errorf("%w: miplevel %d of %q", ErrBadSubimage, miplevel, f.name)
	}
	return &sub.levels[miplevel], nil
}

// fileIndex resolves filenames to records and fingerprints to dedup
// targets. Its lock is always acquired before any per-file lock.
type fileIndex struct {
	mu            sync.RWMutex
	byName        map[string]*fileRecord
	byFingerprint map[digest.Digest]*fileRecord
	nextID        atomic.Int64
	group         singleflight.Group
}

func (fi *fileIndex) init() {
	fi.byName = make(map[string]*fileRecord)
	fi.byFingerprint = make(map[digest.Digest]*fileRecord)
}

func (fi *fileIndex) lookup(name string) *fileRecord {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	return fi.byName[name]
}

// allFilenames returns every referenced filename, for the
// all_filenames attribute.
func (c *Cache) allFilenames() []string {
	c.files.mu.RLock()
	defer c.files.mu.RUnlock()
	names := make([]string, 0, len(c.files.byName))
	for name := range c.files.byName {
		names = append(names, name)
	}
	return names
}

// udimPattern reports whether a filename is a UDIM atlas pattern
// rather than a concrete file.
func udimPattern(name string) bool {
	return strings.Contains(name, "<UDIM>") ||
		strings.Contains(name, "<U>") || strings.Contains(name, "<V>") ||
		strings.Contains(name, "%(UDIM)d")
}

// resolvePath locates name on disk, consulting the searchpath for
// relative names.
func (c *Cache) resolvePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return name, nil
	}
	cfg := c.snapshotConfig()
	dirs := []string{"."}
	if cfg.searchPath != "" {
		dirs = append(dirs, filepath.SplitList(cfg.searchPath)...)
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

// findFile resolves name to a file record, creating and opening it on
// first reference. Concurrent first references to the same name share
// one resolution through singleflight. The returned record may be
// broken; callers check.
func (c *Cache) findFile(pt *Perthread, name string) (*fileRecord, error) {
	start := time.Now()
	defer addNanos(&c.stats.findFileNanos, start)

	if sub := c.snapshotConfig().substituteImage; sub != "" && sub != name {
		return c.findFile(pt, sub)
	}

	// Thread-local MRU file.
	if pt != nil && pt.lastFileName == name && pt.lastFile != nil {
		return pt.lastFile, nil
	}

	f := c.files.lookup(name)
	if f == nil {
		v, err, _ := c.files.group.Do(name, func() (any, error) {
			if g := c.files.lookup(name); g != nil {
				return g, nil
			}
			g := c.createFile(name, nil, nil)
			c.files.mu.Lock()
			c.files.byName[name] = g
			c.files.mu.Unlock()
			c.stats.filesReferenced.Add(1)
			if !g.broken && g.duplicateOf == nil {
				c.stats.uniqueFiles.Add(1)
			}
			return g, nil
		})
		if err != nil {
			return nil, err
		}
		f = v.(*fileRecord)
	}

	if pt != nil {
		pt.lastFileName = name
		pt.lastFile = f
	}
	if f.broken {
		return f, f.brokenErr
	}
	return f, nil
}

// createFile builds a record for name, performing the first open to
// capture specs, flags, and the fingerprint. Failures mark the record
// broken rather than erroring the index; the record remembers why.
func (c *Cache) createFile(name string, creator decoder.OpenFunc, config *pix.ImageSpec) *fileRecord {
	f := &fileRecord{
		id:      c.files.nextID.Add(1),
		name:    name,
		creator: creator,
		config:  config,
	}
	if udimPattern(name) {
		f.udim = true
		f.broken = true
		f.brokenErr = fmt.Errorf("imgcache: %q is a UDIM pattern, not a concrete file", name)
		return f
	}

	path, err := c.resolvePath(name)
	if err != nil {
		if f.creator == nil {
			f.broken = true
			f.brokenErr = err
			return f
		}
		// Creator-backed files need not exist on disk.
		path = name
	}
	f.path = path
	if fi, err := os.Stat(path); err == nil {
		f.mtime = fi.ModTime()
		f.fileSize = fi.Size()
	}

	f.mu.Lock()
	err = c.openLocked(f)
	f.mu.Unlock()
	if err != nil {
		f.broken = true
		f.brokenErr = err
		return f
	}

	c.stats.fileSizeTotal.Add(f.fileSize)
	c.registerFingerprint(f)
	return f
}

// registerFingerprint inserts f's fingerprint into the dedup index, or
// marks f a duplicate of the file already there. Duplicates keep their
// record but redirect all tile reads and drop their decoder.
func (c *Cache) registerFingerprint(f *fileRecord) {
	if !c.snapshotConfig().deduplicate || f.fingerprint == "" {
		return
	}
	c.files.mu.Lock()
	existing := c.files.byFingerprint[f.fingerprint]
	if existing == nil {
		c.files.byFingerprint[f.fingerprint] = f
		c.files.mu.Unlock()
		return
	}
	c.files.mu.Unlock()
	if existing == f {
		return
	}

	f.mu.Lock()
	f.duplicateOf = existing
	f.mu.Unlock()
	c.stats.dedupDuplicates.Add(1)
	c.stats.dedupBytesAvoided.Add(f.fileSize)
	c.closeFileRecord(f)
}

// openLocked opens the decoder and, on first open, captures the spec
// table. Caller holds f.mu exclusively.
func (c *Cache) openLocked(f *fileRecord) error {
	if f.dec != nil {
		c.open.touch(f)
		return nil
	}
	cfg := c.snapshotConfig()

	start := time.Now()
	var dec decoder.Decoder
	var err error
	if f.creator != nil {
		dec, err = f.creator(f.path, f.config)
	} else {
		dec, err = decoder.Open(f.path, f.config, cfg.trustFileExtensions)
	}
	addNanos(&c.stats.fileOpenNanos, start)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrBrokenFile, f.name, err)
	}

	f.dec = dec
	f.timesOpened.Add(1)
	c.stats.openFilesCreated.Add(1)
	if ts, ok := dec.(decoder.ThreadSafe); ok {
		f.threadsafe = ts.ConcurrentReadsSafe()
	}

	if !f.validSpec {
		if err := c.buildSpecTable(f, cfg); err != nil {
			dec.Close()
			f.dec = nil
			return err
		}
		f.validSpec = true
	}

	c.open.add(c, f)
	// Enforce the handle cap now, skipping files mid-decode (TryLock
	// cannot block, including on f itself).
	c.open.closeDown(c, c.snapshotConfig().maxOpenFiles)
	return nil
}

// buildSpecTable captures subimage/level metadata and applies the
// autotile/automip policies to shape the cached tile grid. Caller
// holds f.mu exclusively with f.dec open.
func (c *Cache) buildSpecTable(f *fileRecord, cfg config) error {
	dec := f.dec
	nsub := dec.NumSubimages()
	if nsub <= 0 {
		return fmt.Errorf("%w: %q has no subimages", ErrBrokenFile, f.name)
	}

	if fp, ok := dec.(decoder.Fingerprinter); ok {
		f.fingerprint = fp.Fingerprint()
	}

	var imageBytes int64
	f.subimages = make([]subimageRec, 0, nsub)
	for s := 0; s < nsub; s++ {
		nmips := dec.NumMiplevels(s)
		if nmips <= 0 {
			return fmt.Errorf("%w: subimage %d of %q has no miplevels", ErrBrokenFile, s, f.name)
		}
		sub := subimageRec{fileLevels: nmips}
		for m := 0; m < nmips; m++ {
			spec, err := dec.Spec(s, m)
			if err != nil {
				return fmt.Errorf("imgcache: spec of %q: %w", f.name, err)
			}
			lr := levelRec{spec: *spec}
			if lr.spec.Depth <= 0 {
				lr.spec.Depth = 1
			}
			if !lr.spec.Tiled() {
				f.untiled = true
				if !cfg.acceptUntiled {
					return fmt.Errorf("%w: %q", ErrUntiledRejected, f.name)
				}
				applyAutotile(&lr, cfg)
			} else {
				lr.tileW = lr.spec.TileWidth
				lr.tileH = lr.spec.TileHeight
				lr.tileD = max(lr.spec.TileDepth, 1)
			}
			imageBytes += lr.spec.ImageBytes()
			sub.levels = append(sub.levels, lr)
		}
		if nmips == 1 {
			f.unmipped = true
			if !cfg.acceptUnmipped {
				return fmt.Errorf("%w: %q", ErrUnmippedRejected, f.name)
			}
		}

		sub.cacheFmt = sub.levels[0].spec.Format
		if cfg.forceFloat {
			sub.cacheFmt = pix.TypeFloat
		}

		if cfg.automip {
			appendSynthesizedLevels(&sub)
		}
		f.subimages = append(f.subimages, sub)
	}
	c.stats.imageSizeTotal.Add(imageBytes)
	return nil
}

// applyAutotile imposes the virtual tile grid on a scanline level:
// square autotile tiles, full-width bands under autoscanline, or the
// whole image as a single tile when autotile is off.
func applyAutotile(lr *levelRec, cfg config) {
	s := &lr.spec
	switch {
	case cfg.autotile > 0 && cfg.autoscanline:
		lr.tileW = s.Width
		lr.tileH = cfg.autotile
	case cfg.autotile > 0:
		lr.tileW = cfg.autotile
		lr.tileH = cfg.autotile
	default:
		lr.tileW = s.Width
		lr.tileH = s.Height
	}
	lr.tileD = 1
}

// appendSynthesizedLevels extends a subimage's level table down to
// 1x1, halving each axis, for automip. Synthesized levels inherit the
// tiling of the smallest file level.
func appendSynthesizedLevels(sub *subimageRec) {
	last := sub.levels[len(sub.levels)-1]
	for last.spec.Width > 1 || last.spec.Height > 1 {
		next := last
		next.synthesized = true
		next.spec.X, next.spec.Y, next.spec.Z = 0, 0, 0
		next.spec.FullX, next.spec.FullY, next.spec.FullZ = 0, 0, 0
		next.spec.Width = max(1, last.spec.Width/2)
		next.spec.Height = max(1, last.spec.Height/2)
		next.spec.Depth = max(1, last.spec.Depth)
		next.spec.FullWidth = next.spec.Width
		next.spec.FullHeight = next.spec.Height
		next.spec.FullDepth = next.spec.Depth
		next.tileW = min(last.tileW, next.spec.Width)
		next.tileH = min(last.tileH, next.spec.Height)
		next.tileD = 1
		sub.levels = append(sub.levels, next)
		last = next
	}
}

// closeFileRecord closes the decoder (if open), preserving the spec
// table and all cached tiles.
func (c *Cache) closeFileRecord(f *fileRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.closeLocked(f)
}

// closeLocked closes the decoder with f.mu held exclusively.
func (c *Cache) closeLocked(f *fileRecord) {
	if f.dec == nil {
		return
	}
	f.dec.Close()
	f.dec = nil
	c.open.drop(f)
}
