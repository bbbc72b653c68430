package imgcache

import (
	"fmt"
	"os"
)

// Handle is an opaque reference to a file record, letting repeat
// callers skip the filename index entirely. Handles remain usable
// across invalidation; they go stale only if the cache is destroyed.
type Handle struct {
	cache *Cache
	f     *fileRecord
}

// ImageHandle resolves name to a handle, creating the file record on
// first reference. A handle is returned even for broken files so
// callers can probe with Valid.
func (c *Cache) ImageHandle(pt *Perthread, name string) (*Handle, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()
	f, err := c.findFile(pt, name)
	if f == nil {
		c.recordError(pt, err)
		return nil, err
	}
	if err != nil {
		// Broken file: hand back the handle anyway so callers can
		// probe with Valid; the failure sits on the error queue.
		c.recordError(pt, err)
	}
	return &Handle{cache: c, f: f}, nil
}

// Valid reports whether the handle refers to a readable file.
func (h *Handle) Valid() bool {
	if h == nil || h.f == nil {
		return false
	}
	f := h.f.target()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.broken
}

// Filename returns the name the handle was resolved from.
func (h *Handle) Filename() string {
	if h == nil || h.f == nil {
		return ""
	}
	return h.f.name
}

// ensureValidSpec reopens a file whose spec table was dropped by
// invalidation, refreshing its modification time and re-registering
// its fingerprint for dedup.
func (c *Cache) ensureValidSpec(f *fileRecord) error {
	f.mu.RLock()
	ok := f.validSpec
	broken := f.broken
	berr := f.brokenErr
	f.mu.RUnlock()
	if ok {
		return nil
	}
	if broken {
		if berr != nil {
			return berr
		}
		return fmt.Errorf("%w: %q", ErrBrokenFile, f.name)
	}

	f.mu.Lock()
	if !f.validSpec && f.path != "" {
		if fi, err := os.Stat(f.path); err == nil {
			f.mtime = fi.ModTime()
			f.fileSize = fi.Size()
		}
	}
	err := c.openLocked(f)
	if err != nil {
		f.broken = true
		f.brokenErr = err
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	c.registerFingerprint(f)
	return nil
}
