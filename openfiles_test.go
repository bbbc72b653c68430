package imgcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/internal/imagetest"
	"github.com/meigma/imgcache/pix"
)

func TestOpenFileCapEnforced(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxOpenFiles(3))
	pt := c.Perthread()
	defer pt.Release()

	roi := pix.NewROI2D(0, 16, 0, 16, 0, 1)
	span, _ := floatSpan(t, 16, 16, 1)
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		path := fmt.Sprintf("%s/f%d.rtx", dir, i)
		imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)
		require.NoError(t, c.GetPixels(pt, path, 0, 0, roi, span))
		assert.LessOrEqual(t, statInt(t, c, "stat:open_files_current"), int64(3),
			"after reading file %d", i)
	}

	assert.Equal(t, int64(8), statInt(t, c, "stat:open_files_created"))
	assert.LessOrEqual(t, statInt(t, c, "stat:open_files_peak"), int64(4))
}

func TestClosedFileReopensOnDemand(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxOpenFiles(1))
	pt := c.Perthread()
	defer pt.Release()

	a := imagetest.TempFile(t, "a.rtx")
	b := imagetest.TempFile(t, "b.rtx")
	imagetest.WriteTiled(t, a, 32, 32, 1, 16, 16, pix.TypeFloat)
	imagetest.WriteTiled(t, b, 32, 32, 1, 16, 16, pix.TypeFloat)

	roi := pix.NewROI2D(0, 16, 0, 16, 0, 1)
	span, _ := floatSpan(t, 16, 16, 1)
	require.NoError(t, c.GetPixels(pt, a, 0, 0, roi, span))
	require.NoError(t, c.GetPixels(pt, b, 0, 0, roi, span))

	// Reading an uncached tile of a forces a reopen.
	roiB := pix.NewROI2D(16, 32, 0, 16, 0, 1)
	require.NoError(t, c.GetPixels(pt, a, 0, 0, roiB, span))
	assert.GreaterOrEqual(t, statInt(t, c, "stat:open_files_created"), int64(3))
	assert.LessOrEqual(t, statInt(t, c, "stat:open_files_current"), int64(1))
}

func TestStrictModeDrivesOverageToZero(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxOpenFiles(2))
	require.NoError(t, c.SetAttribute("max_open_files_strict", 1))
	pt := c.Perthread()
	defer pt.Release()

	roi := pix.NewROI2D(0, 16, 0, 16, 0, 1)
	span, _ := floatSpan(t, 16, 16, 1)
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("%s/s%d.rtx", dir, i)
		imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)
		require.NoError(t, c.GetPixels(pt, path, 0, 0, roi, span))
		assert.LessOrEqual(t, statInt(t, c, "stat:open_files_current"), int64(2))
	}
}

func TestLoweringOpenFileCapClosesDown(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithMaxOpenFiles(10))
	pt := c.Perthread()
	defer pt.Release()

	roi := pix.NewROI2D(0, 16, 0, 16, 0, 1)
	span, _ := floatSpan(t, 16, 16, 1)
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("%s/g%d.rtx", dir, i)
		imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)
		require.NoError(t, c.GetPixels(pt, path, 0, 0, roi, span))
	}
	require.Equal(t, int64(5), statInt(t, c, "stat:open_files_current"))

	require.NoError(t, c.SetAttribute("max_open_files", 2))
	assert.LessOrEqual(t, statInt(t, c, "stat:open_files_current"), int64(2))
}
