// Package metrics exports imgcache statistics as Prometheus metrics,
// so hosts can scrape the same counters the cache's stat:* attributes
// expose.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/imgcache"
)

// Collector implements prometheus.Collector over a cache's statistics
// snapshot. Register it with any prometheus.Registerer:
//
//	prometheus.MustRegister(metrics.NewCollector(cache))
type Collector struct {
	cache *imgcache.Cache

	tilesCreated     *prometheus.Desc
	tilesCurrent     *prometheus.Desc
	tilesPeak        *prometheus.Desc
	tilesEvicted     *prometheus.Desc
	memoryUsed       *prometheus.Desc
	openFilesCurrent *prometheus.Desc
	openFilesPeak    *prometheus.Desc
	openFilesOpened  *prometheus.Desc
	findTileCalls    *prometheus.Desc
	findTileHits     *prometheus.Desc
	bytesRead        *prometheus.Desc
	uniqueFiles      *prometheus.Desc
	duplicateFiles   *prometheus.Desc
	mipsSynthesized  *prometheus.Desc
	invalidations    *prometheus.Desc
	fileIOSeconds    *prometheus.Desc
	fileOpenSeconds  *prometheus.Desc
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	namespace string
}

// WithNamespace prefixes all metric names (default "imgcache").
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// NewCollector returns a collector reading from c.
func NewCollector(c *imgcache.Cache, opts ...Option) *Collector {
	o := options{namespace: "imgcache"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ns := o.namespace
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, nil, nil)
	}
	return &Collector{
		cache:            c,
		tilesCreated:     desc("tiles_created_total", "Tiles decoded or synthesized since start."),
		tilesCurrent:     desc("tiles_current", "Tiles currently resident."),
		tilesPeak:        desc("tiles_peak", "Peak resident tile count."),
		tilesEvicted:     desc("tiles_evicted_total", "Tiles evicted under memory pressure."),
		memoryUsed:       desc("tile_memory_bytes", "Resident tile pixel bytes."),
		openFilesCurrent: desc("open_files_current", "Decoders currently open."),
		openFilesPeak:    desc("open_files_peak", "Peak concurrently open decoders."),
		openFilesOpened:  desc("file_opens_total", "Decoder opens since start."),
		findTileCalls:    desc("find_tile_calls_total", "Tile lookups."),
		findTileHits:     desc("find_tile_hits_total", "Tile lookups served from cache or thread-local state."),
		bytesRead:        desc("bytes_read_total", "Uncompressed pixel bytes read from files."),
		uniqueFiles:      desc("unique_files", "Distinct files after deduplication."),
		duplicateFiles:   desc("duplicate_files", "Files collapsed onto another by fingerprint."),
		mipsSynthesized:  desc("mips_synthesized_total", "Files for which MIP levels were synthesized."),
		invalidations:    desc("invalidations_total", "File invalidations performed."),
		fileIOSeconds:    desc("file_io_seconds_total", "Time spent in decoder reads."),
		fileOpenSeconds:  desc("file_open_seconds_total", "Time spent opening decoders."),
	}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.tilesCreated
	ch <- col.tilesCurrent
	ch <- col.tilesPeak
	ch <- col.tilesEvicted
	ch <- col.memoryUsed
	ch <- col.openFilesCurrent
	ch <- col.openFilesPeak
	ch <- col.openFilesOpened
	ch <- col.findTileCalls
	ch <- col.findTileHits
	ch <- col.bytesRead
	ch <- col.uniqueFiles
	ch <- col.duplicateFiles
	ch <- col.mipsSynthesized
	ch <- col.invalidations
	ch <- col.fileIOSeconds
	ch <- col.fileOpenSeconds
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.cache.StatsSnapshot()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(col.tilesCreated, s.TilesCreated)
	gauge(col.tilesCurrent, s.TilesCurrent)
	gauge(col.tilesPeak, s.TilesPeak)
	counter(col.tilesEvicted, s.TilesEvicted)
	gauge(col.memoryUsed, s.CacheMemoryUsed)
	gauge(col.openFilesCurrent, s.OpenFilesCurrent)
	gauge(col.openFilesPeak, s.OpenFilesPeak)
	counter(col.openFilesOpened, s.OpenFilesCreated)
	counter(col.findTileCalls, s.FindTileCalls)
	counter(col.findTileHits, s.FindTileMicroHits+s.FindTileCacheHits)
	counter(col.bytesRead, s.BytesRead)
	gauge(col.uniqueFiles, s.UniqueFiles)
	gauge(col.duplicateFiles, s.DuplicateFiles)
	counter(col.mipsSynthesized, s.MipsSynthesized)
	counter(col.invalidations, s.Invalidations)
	ch <- prometheus.MustNewConstMetric(col.fileIOSeconds, prometheus.CounterValue, s.FileIOTime.Seconds())
	ch <- prometheus.MustNewConstMetric(col.fileOpenSeconds, prometheus.CounterValue, s.FileOpenTime.Seconds())
}
