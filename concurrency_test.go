package imgcache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/internal/imagetest"
	"github.com/meigma/imgcache/pix"
)

func TestConcurrentReadersBoundedResources(t *testing.T) {
	t.Parallel()

	const (
		nFiles      = 10
		nGoroutines = 32
		nReads      = 200
		tilesPerDim = 4
	)

	c := newTestCache(t,
		WithMaxOpenFiles(4),
		WithMaxMemoryMB(1.0),
	)

	paths := make([]string, nFiles)
	dir := t.TempDir()
	for i := range paths {
		paths[i] = fmt.Sprintf("%s/f%d.rtx", dir, i)
		imagetest.WriteTiled(t, paths[i], tilesPerDim*32, tilesPerDim*32, 2, 32, 32, pix.TypeFloat)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, nGoroutines)
	start := make(chan struct{})

	for g := 0; g < nGoroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			pt := c.Perthread()
			defer pt.Release()
			rng := rand.New(rand.NewSource(seed))
			<-start
			for i := 0; i < nReads; i++ {
				path := paths[rng.Intn(nFiles)]
				tx, ty := rng.Intn(tilesPerDim), rng.Intn(tilesPerDim)
				tile, err := c.GetTile(pt, path, 0, 0, tx*32, ty*32, 0)
				if err != nil {
					errCh <- err
					return
				}
				// Spot-check one pixel before releasing.
				want := imagetest.PatternValue(tx*32, ty*32, 0, 0)
				if got := pix.Float32At(tile.Pixels(), pix.TypeFloat, 0); got != want {
					errCh <- fmt.Errorf("tile (%d,%d) of %s: got %v want %v", tx, ty, path, got, want)
					c.ReleaseTile(tile)
					return
				}
				c.ReleaseTile(tile)
			}
		}(int64(g))
	}
	close(start)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	assert.LessOrEqual(t, statInt(t, c, "stat:open_files_current"), int64(4))
	assert.Equal(t, int64(nFiles), statInt(t, c, "stat:unique_files"))

	// With every reference released, a forced global invalidation
	// empties the cache completely.
	c.InvalidateAll(true)
	assert.Equal(t, int64(0), statInt(t, c, "stat:tiles_current"))
	assert.Equal(t, int64(0), statInt(t, c, "stat:cache_memory_used"))
	assert.Equal(t, int64(0), statInt(t, c, "stat:open_files_current"))
}

func TestConcurrentSameTileDecodesOnce(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "one.rtx")
	imagetest.WriteTiled(t, path, 64, 64, 4, 64, 64, pix.TypeFloat)

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tile, err := c.GetTile(nil, path, 0, 0, 0, 0, 0)
			if err != nil {
				errs <- err
				return
			}
			c.ReleaseTile(tile)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Singleflight collapses the decode storm: the tile decodes once
	// (allow one extra for an admission race on the fallback path).
	assert.LessOrEqual(t, statInt(t, c, "stat:tiles_created"), int64(2))
}

func TestConcurrentAttributeChanges(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxMemoryMB(1.0))
	path := imagetest.TempFile(t, "attr.rtx")
	imagetest.WriteTiled(t, path, 128, 128, 2, 32, 32, pix.TypeFloat)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sizes := []float64{0.25, 0.5, 1.0}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.SetAttribute("max_memory_MB", sizes[i%len(sizes)])
		}
	}()

	pt := c.Perthread()
	for i := 0; i < 200; i++ {
		tx, ty := i%4, (i/4)%4
		tile, err := c.GetTile(pt, path, 0, 0, tx*32, ty*32, 0)
		require.NoError(t, err)
		c.ReleaseTile(tile)
	}
	pt.Release()
	close(stop)
	wg.Wait()
}
