package imgcache

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// cacheStats holds the cache-wide counters behind the stat:* attributes
// and the Prometheus collector. All fields are atomics; reads are
// individually consistent, snapshots are not atomic across fields.
type cacheStats struct {
	findTileCalls      atomic.Int64
	findTileMicroHits  atomic.Int64
	findTileCacheHits  atomic.Int64
	tilesCreated       atomic.Int64
	tilesPeak          atomic.Int64
	tilesEvicted       atomic.Int64
	openFilesCreated   atomic.Int64
	openFilesPeak      atomic.Int64
	filesReferenced    atomic.Int64
	uniqueFiles        atomic.Int64
	bytesRead          atomic.Int64
	fileSizeTotal      atomic.Int64
	imageSizeTotal     atomic.Int64
	fileIONanos        atomic.Int64
	fileOpenNanos      atomic.Int64
	fileLockNanos      atomic.Int64
	tileLockNanos      atomic.Int64
	findFileNanos      atomic.Int64
	findTileNanos      atomic.Int64
	mipsSynthesized   atomic.Int64
	tilesAdded        atomic.Int64
	errorsSuppressed  atomic.Int64
	invalidations     atomic.Int64
	retriedReads      atomic.Int64
	dedupDuplicates   atomic.Int64
	dedupBytesAvoided atomic.Int64
	thumbnailRequests atomic.Int64
}

// peak raises a peak counter to at least v.
func peak(p *atomic.Int64, v int64) {
	for {
		cur := p.Load()
		if v <= cur || p.CompareAndSwap(cur, v) {
			return
		}
	}
}

// addNanos accumulates the elapsed time since start.
func addNanos(p *atomic.Int64, start time.Time) {
	p.Add(int64(time.Since(start)))
}

// Stats is a point-in-time snapshot of the cache counters, as exposed
// by StatsSnapshot and consumed by the metrics package.
type Stats struct {
	FindTileCalls     int64
	FindTileMicroHits int64
	FindTileCacheHits int64
	TilesCreated      int64
	TilesCurrent      int64
	TilesPeak         int64
	TilesEvicted      int64
	TilesAdded        int64
	CacheMemoryUsed   int64
	CacheFootprint    int64
	OpenFilesCreated  int64
	OpenFilesCurrent  int64
	OpenFilesPeak     int64
	TotalFiles        int64
	UniqueFiles       int64
	DuplicateFiles    int64
	BytesRead         int64
	FileSizeTotal     int64
	ImageSizeTotal    int64
	MipsSynthesized   int64
	RetriedReads      int64
	Invalidations     int64
	ErrorsSuppressed  int64

	FileIOTime      time.Duration
	FileOpenTime    time.Duration
	FileLockingTime time.Duration
	TileLockingTime time.Duration
	FindFileTime    time.Duration
	FindTileTime    time.Duration
}

// StatsSnapshot returns the current values of all cache counters.
func (c *Cache) StatsSnapshot() Stats {
	st := &c.stats
	return Stats{
		FindTileCalls:     st.findTileCalls.Load(),
		FindTileMicroHits: st.findTileMicroHits.Load(),
		FindTileCacheHits: st.findTileCacheHits.Load(),
		TilesCreated:      st.tilesCreated.Load(),
		TilesCurrent:      c.tiles.count.Load(),
		TilesPeak:         st.tilesPeak.Load(),
		TilesEvicted:      st.tilesEvicted.Load(),
		TilesAdded:        st.tilesAdded.Load(),
		CacheMemoryUsed:   c.tiles.mem.Load(),
		CacheFootprint:    c.tiles.mem.Load(),
		OpenFilesCreated:  st.openFilesCreated.Load(),
		OpenFilesCurrent:  int64(c.open.current()),
		OpenFilesPeak:     st.openFilesPeak.Load(),
		TotalFiles:        st.filesReferenced.Load(),
		UniqueFiles:       st.uniqueFiles.Load(),
		DuplicateFiles:    st.dedupDuplicates.Load(),
		BytesRead:         st.bytesRead.Load(),
		FileSizeTotal:     st.fileSizeTotal.Load(),
		ImageSizeTotal:    st.imageSizeTotal.Load(),
		MipsSynthesized:   st.mipsSynthesized.Load(),
		RetriedReads:      st.retriedReads.Load(),
		Invalidations:     st.invalidations.Load(),
		ErrorsSuppressed:  st.errorsSuppressed.Load(),
		FileIOTime:        time.Duration(st.fileIONanos.Load()),
		FileOpenTime:      time.Duration(st.fileOpenNanos.Load()),
		FileLockingTime:   time.Duration(st.fileLockNanos.Load()),
		TileLockingTime:   time.Duration(st.tileLockNanos.Load()),
		FindFileTime:      time.Duration(st.findFileNanos.Load()),
		FindTileTime:      time.Duration(st.findTileNanos.Load()),
	}
}

// ResetStats zeroes the activity counters and timers and resets the peak
// gauges to current occupancy. File totals (referenced, unique and
// duplicate files, file and image sizes, bytes saved by dedup) and the
// thumbnail request count are kept.
func (c *Cache) ResetStats() {
	st := &c.stats
	for _, p := range []*atomic.Int64{
		&st.findTileCalls, &st.findTileMicroHits, &st.findTileCacheHits,
		&st.tilesCreated, &st.tilesEvicted, &st.tilesAdded,
		&st.openFilesCreated, &st.bytesRead,
		&st.mipsSynthesized, &st.retriedReads, &st.invalidations,
		&st.errorsSuppressed,
		&st.fileIONanos, &st.fileOpenNanos, &st.fileLockNanos,
		&st.tileLockNanos, &st.findFileNanos, &st.findTileNanos,
	} {
		p.Store(0)
	}
	st.tilesPeak.Store(c.tiles.count.Load())
	st.openFilesPeak.Store(int64(c.open.current()))
}

// StatsReport formats a human-readable statistics report. Level 1
// summarizes the cache; level 2 adds per-file detail; level 3 adds
// timing breakdowns. Level 0 returns an empty string.
func (c *Cache) StatsReport(level int) string {
	if level <= 0 {
		return ""
	}
	s := c.StatsSnapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "imgcache statistics\n")
	fmt.Fprintf(&b, "  Images: %d unique (%d referenced, %d deduplicated)\n",
		s.UniqueFiles, s.TotalFiles, s.DuplicateFiles)
	fmt.Fprintf(&b, "  Open files: %d current, %d peak, %d opens (cap %d)\n",
		s.OpenFilesCurrent, s.OpenFilesPeak, s.OpenFilesCreated, c.snapshotConfig().maxOpenFiles)
	fmt.Fprintf(&b, "  Tiles: %d created, %d current, %d peak, %d evicted, %d added\n",
		s.TilesCreated, s.TilesCurrent, s.TilesPeak, s.TilesEvicted, s.TilesAdded)
	fmt.Fprintf(&b, "  Tile memory: %s of %s budget\n",
		memFormat(s.CacheMemoryUsed), memFormat(int64(c.snapshotConfig().maxMemoryMB*mib)))
	fmt.Fprintf(&b, "  find_tile: %d calls (%d thread-local hits, %d cache hits)\n",
		s.FindTileCalls, s.FindTileMicroHits, s.FindTileCacheHits)
	fmt.Fprintf(&b, "  I/O: %s read, %d retried reads, %d files with synthesized MIP levels\n",
		memFormat(s.BytesRead), s.RetriedReads, s.MipsSynthesized)

	if level >= 2 {
		b.WriteString(c.perFileReport())
	}
	if level >= 3 {
		fmt.Fprintf(&b, "  Time: fileio %v, fileopen %v, file locking %v, tile locking %v, find_file %v, find_tile %v\n",
			s.FileIOTime.Round(time.Microsecond), s.FileOpenTime.Round(time.Microsecond),
			s.FileLockingTime.Round(time.Microsecond), s.TileLockingTime.Round(time.Microsecond),
			s.FindFileTime.Round(time.Microsecond), s.FindTileTime.Round(time.Microsecond))
	}
	return b.String()
}

func (c *Cache) perFileReport() string {
	type row struct {
		name string
		f    *fileRecord
	}
	c.files.mu.RLock()
	rows := make([]row, 0, len(c.files.byName))
	for name, f := range c.files.byName {
		rows = append(rows, row{name, f})
	}
	c.files.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	var b strings.Builder
	for _, r := range rows {
		f := r.f
		state := "closed"
		f.mu.RLock()
		if f.dec != nil {
			state = "open"
		}
		broken := f.broken
		dup := f.duplicateOf
		f.mu.RUnlock()
		switch {
		case broken:
			state = "broken"
		case dup != nil:
			state = "duplicate"
		}
		fmt.Fprintf(&b, "    %-40s %-9s %3d opens  %6d tiles  %10s read  mip:%v\n",
			r.name, state, f.timesOpened.Load(), f.tilesRead.Load(),
			memFormat(f.bytesRead.Load()), f.mipUsed.Load())
	}
	return b.String()
}

const mib = 1024 * 1024

func memFormat(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
