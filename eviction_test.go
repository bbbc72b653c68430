package imgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/internal/imagetest"
	"github.com/meigma/imgcache/pix"
)

// The eviction tests use a 512x256 float RGBA file on a 64-tile grid:
// 32 tiles of 64 KiB each, 2 MiB total.
const (
	evTileBytes = 64 * 64 * 4 * 4
	evTilesX    = 8
	evTilesY    = 4
)

func writeEvictionFile(t *testing.T) string {
	t.Helper()
	path := imagetest.TempFile(t, "big.rtx")
	imagetest.WriteTiled(t, path, evTilesX*64, evTilesY*64, 4, 64, 64, pix.TypeFloat)
	return path
}

func TestEvictionUnderMemoryBudget(t *testing.T) {
	t.Parallel()

	// Budget of two tiles.
	budgetMB := float64(2*evTileBytes) / mib
	c := newTestCache(t, WithMaxMemoryMB(budgetMB))
	pt := c.Perthread()
	defer pt.Release()

	path := writeEvictionFile(t)

	// Touch every tile once, in order.
	for ty := 0; ty < evTilesY; ty++ {
		for tx := 0; tx < evTilesX; tx++ {
			tile, err := c.GetTile(pt, path, 0, 0, tx*64, ty*64, 0)
			require.NoError(t, err)
			c.ReleaseTile(tile)
		}
	}

	// Resident memory respects the budget (allowing the pinned MRU
	// tile and the in-flight insertion).
	mem := statInt(t, c, "stat:cache_memory_used")
	assert.LessOrEqual(t, mem, int64(3*evTileBytes))
	assert.LessOrEqual(t, statInt(t, c, "stat:tiles_current"), int64(3))
	assert.Equal(t, int64(evTilesX*evTilesY), statInt(t, c, "stat:tiles_created"))

	created := statInt(t, c, "stat:tiles_created")

	// The most recently read tile is still resident: re-reading it
	// must not decode again.
	last, err := c.GetTile(pt, path, 0, 0, (evTilesX-1)*64, (evTilesY-1)*64, 0)
	require.NoError(t, err)
	c.ReleaseTile(last)
	assert.Equal(t, created, statInt(t, c, "stat:tiles_created"))

	// The first tile read was evicted long ago: re-reading decodes.
	first, err := c.GetTile(pt, path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	c.ReleaseTile(first)
	assert.Equal(t, created+1, statInt(t, c, "stat:tiles_created"))
}

func TestShrinkingBudgetTrimsResidentTiles(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxMemoryMB(64))
	pt := c.Perthread()
	defer pt.Release()

	path := writeEvictionFile(t)
	span, _ := floatSpan(t, evTilesX*64, evTilesY*64, 4)
	roi := pix.NewROI2D(0, evTilesX*64, 0, evTilesY*64, 0, 4)
	require.NoError(t, c.GetPixels(pt, path, 0, 0, roi, span))
	require.Equal(t, int64(evTilesX*evTilesY), statInt(t, c, "stat:tiles_current"))

	// Shrink the budget to two tiles; the setter trims immediately.
	require.NoError(t, c.SetAttribute("max_memory_MB", float64(2*evTileBytes)/mib))
	assert.LessOrEqual(t, statInt(t, c, "stat:cache_memory_used"), int64(3*evTileBytes))
}

func TestPinnedTilesSurviveEviction(t *testing.T) {
	t.Parallel()

	budgetMB := float64(2*evTileBytes) / mib
	c := newTestCache(t, WithMaxMemoryMB(budgetMB))
	path := writeEvictionFile(t)

	// Hold a reference to the first tile (nil Perthread so nothing
	// else pins tiles).
	pinned, err := c.GetTile(nil, path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	pinnedPixels := pinned.Pixels()

	// Blow well past the budget.
	for ty := 0; ty < evTilesY; ty++ {
		for tx := 0; tx < evTilesX; tx++ {
			tile, err := c.GetTile(nil, path, 0, 0, tx*64, ty*64, 0)
			require.NoError(t, err)
			c.ReleaseTile(tile)
		}
	}

	// The pinned tile's pixels are still intact.
	want := imagetest.PatternValue(1, 0, 0, 0)
	assert.Equal(t, want, pix.Float32At(pinnedPixels, pix.TypeFloat, 4*4))
	assert.Equal(t, pix.ROI{XEnd: 64, YEnd: 64, ZEnd: 1, ChEnd: 4}, pinned.ROI())

	c.ReleaseTile(pinned)
}

func TestReleaseTwicePanics(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "p.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)

	tile, err := c.GetTile(nil, path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	c.ReleaseTile(tile)
	assert.Panics(t, func() { c.ReleaseTile(tile) })
}
