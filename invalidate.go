package imgcache

import (
	"os"
)

// Invalidate drops the open handle, cached tiles, and spec metadata of
// the named file, so the next reference reflects current disk state.
// When force is false, invalidation is skipped if the file's
// modification time still matches the time recorded at first open.
// Outstanding tile references stay valid; their storage is reclaimed
// as they are released.
func (c *Cache) Invalidate(name string, force bool) {
	f := c.files.lookup(name)
	if f == nil {
		return
	}
	c.invalidateRecord(f, force)
}

// invalidateRecord performs the invalidation of one record. Returns
// whether anything was dropped.
func (c *Cache) invalidateRecord(f *fileRecord, force bool) bool {
	if !force && !c.fileChangedOnDisk(f) {
		return false
	}
	c.stats.invalidations.Add(1)

	// Remove tiles first: once the spec drops, no new lookups can
	// produce keys for this record anyway.
	c.tiles.removeFile(f)
	c.thumbs.Remove(f.id)

	// Drop the dedup registration before clearing the record state
	// (the fingerprint index lock is always taken without holding a
	// file lock).
	f.mu.RLock()
	fp := f.fingerprint
	f.mu.RUnlock()
	if fp != "" {
		c.files.mu.Lock()
		if c.files.byFingerprint[fp] == f {
			delete(c.files.byFingerprint, fp)
		}
		c.files.mu.Unlock()
	}

	f.mu.Lock()
	c.closeLocked(f)
	f.validSpec = false
	f.subimages = nil
	f.broken = false
	f.brokenErr = nil
	f.duplicateOf = nil
	f.fingerprint = ""
	f.errCount.Store(0)
	f.mu.Unlock()

	c.invalGen.Add(1)
	return true
}

// fileChangedOnDisk compares the file's current modification time with
// the one recorded at open.
func (c *Cache) fileChangedOnDisk(f *fileRecord) bool {
	f.mu.RLock()
	path, recorded := f.path, f.mtime
	f.mu.RUnlock()
	if path == "" {
		return true
	}
	fi, err := os.Stat(path)
	if err != nil {
		return true
	}
	return !fi.ModTime().Equal(recorded)
}

// InvalidateAll invalidates every referenced file, subject to the same
// modification-time check as Invalidate when force is false.
func (c *Cache) InvalidateAll(force bool) {
	c.invalidateAllRecords(force)
}

func (c *Cache) invalidateAllRecords(force bool) {
	c.files.mu.RLock()
	records := make([]*fileRecord, 0, len(c.files.byName))
	for _, f := range c.files.byName {
		records = append(records, f)
	}
	c.files.mu.RUnlock()
	for _, f := range records {
		c.invalidateRecord(f, force)
	}
	// Catch tiles injected under names that never resolved to a
	// record (AddTile on synthetic names).
	if force {
		c.tiles.removeFile(nil)
	}
	c.invalGen.Add(1)
}

// CloseFile closes the named file's decoder, preserving its spec and
// all cached tiles. The decoder reopens transparently on the next
// read.
func (c *Cache) CloseFile(name string) {
	f := c.files.lookup(name)
	if f == nil {
		return
	}
	c.closeFileRecord(f.target())
}

// CloseAll closes every open decoder, preserving specs and tiles.
func (c *Cache) CloseAll() {
	c.open.closeAll(c)
}
