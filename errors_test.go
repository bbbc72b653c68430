package imgcache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/internal/imagetest"
	"github.com/meigma/imgcache/pix"
)

func TestFailureRetriesRecoverTransientErrors(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	require.NoError(t, c.SetAttribute("failure_retries", 3))
	pt := c.Perthread()
	defer pt.Release()

	path := imagetest.TempFile(t, "flaky.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)

	// Fail the first two reads; the retry loop reopens and succeeds.
	require.NoError(t, c.AddFile(pt, path, imagetest.NewFlakyCreator(2), nil, false))
	span, buf := floatSpan(t, 16, 16, 1)
	err := c.GetPixels(pt, path, 0, 0, pix.NewROI2D(0, 16, 0, 16, 0, 1), span)
	require.NoError(t, err)
	assert.Equal(t, imagetest.PatternValue(0, 1, 0, 0), pix.Float32At(buf, pix.TypeFloat, 16*4))
	assert.GreaterOrEqual(t, statInt(t, c, "stat:open_files_created"), int64(2), "retries reopened the file")
}

func TestNoRetriesSurfacesTransientError(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	path := imagetest.TempFile(t, "flaky2.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 1, 16, 16, pix.TypeFloat)
	require.NoError(t, c.AddFile(pt, path, imagetest.NewFlakyCreator(1), nil, false))

	span, _ := floatSpan(t, 16, 16, 1)
	err := c.GetPixels(pt, path, 0, 0, pix.NewROI2D(0, 16, 0, 16, 0, 1), span)
	require.Error(t, err)
	assert.True(t, pt.HasError())

	// The transient failure burned out; the next read succeeds.
	require.NoError(t, c.GetPixels(pt, path, 0, 0, pix.NewROI2D(0, 16, 0, 16, 0, 1), span))
}

func TestUnreadableFileMarkedBroken(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	path := imagetest.TempFile(t, "junk.rtx")
	require.NoError(t, os.WriteFile(path, []byte("garbage bytes, not an image"), 0o644))

	span, _ := floatSpan(t, 4, 4, 1)
	err := c.GetPixels(pt, path, 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 1), span)
	require.Error(t, err)

	h, herr := c.ImageHandle(pt, path)
	require.NoError(t, herr)
	assert.False(t, h.Valid())

	exists, err := c.ImageInfo(pt, path, 0, 0, "exists")
	require.NoError(t, err)
	assert.Equal(t, 0, exists)
}

func TestCacheWideErrorQueue(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	span, _ := floatSpan(t, 4, 4, 1)

	// Nil Perthread routes the failure to the cache-wide queue.
	err := c.GetPixels(nil, "/does/not/exist.rtx", 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 1), span)
	require.Error(t, err)
	assert.True(t, c.HasError())
	msg := c.GetError(true)
	assert.Contains(t, msg, "not found")
	assert.False(t, c.HasError())
	assert.Empty(t, c.GetError(false))
}

func TestUDIMPatternsAreFlaggedNotOpened(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	pt := c.Perthread()
	defer pt.Release()

	span, _ := floatSpan(t, 4, 4, 1)
	err := c.GetPixels(pt, "atlas.<UDIM>.rtx", 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 1), span)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UDIM")

	exists, err := c.ImageInfo(pt, "atlas.<UDIM>.rtx", 0, 0, "exists")
	require.NoError(t, err)
	assert.Equal(t, 0, exists)
}

func TestBadROIRejected(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	path := imagetest.TempFile(t, "roi.rtx")
	imagetest.WriteTiled(t, path, 16, 16, 2, 16, 16, pix.TypeFloat)

	// Channel range beyond the file.
	span, _ := floatSpan(t, 4, 4, 3)
	err := c.GetPixels(nil, path, 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 3), span)
	assert.ErrorIs(t, err, ErrBadROI)

	// Span geometry mismatch.
	span2, _ := floatSpan(t, 8, 8, 2)
	err = c.GetPixels(nil, path, 0, 0, pix.NewROI2D(0, 4, 0, 4, 0, 2), span2)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
