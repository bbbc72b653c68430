package imgcache

import (
	"errors"
	"strings"
	"sync"
)

// Errors returned by cache operations. Operations also append their
// errors to the calling goroutine's Perthread queue (or the cache-wide
// queue when no Perthread is supplied), drained by GetError.
var (
	// ErrNotFound is returned when a file does not exist, directly or
	// on the search path.
	ErrNotFound = errors.New("imgcache: file not found")

	// ErrBrokenFile is returned for files that previously failed to
	// open or read and are marked broken.
	ErrBrokenFile = errors.New("imgcache: broken file")

	// ErrBadSubimage is returned for out-of-range subimage or miplevel
	// indices.
	ErrBadSubimage = errors.New("imgcache: subimage or miplevel out of range")

	// ErrBadROI is returned when a requested region is degenerate or
	// its channel range is invalid for the image.
	ErrBadROI = errors.New("imgcache: bad region of interest")

	// ErrTypeMismatch is returned when a destination span does not
	// match the request's geometry or channel count.
	ErrTypeMismatch = errors.New("imgcache: destination does not match request")

	// ErrUnknownAttribute is returned by attribute operations on names
	// absent from the schema.
	ErrUnknownAttribute = errors.New("imgcache: unknown attribute")

	// ErrReadOnlyAttribute is returned when setting a read-only
	// attribute.
	ErrReadOnlyAttribute = errors.New("imgcache: attribute is read-only")

	// ErrAttributeType is returned when an attribute value has the
	// wrong type for its schema entry.
	ErrAttributeType = errors.New("imgcache: wrong attribute value type")

	// ErrUntiledRejected is returned for scanline files when
	// accept_untiled is disabled.
	ErrUntiledRejected = errors.New("imgcache: untiled images not accepted")

	// ErrUnmippedRejected is returned for un-mipmapped files when
	// accept_unmipped is disabled.
	ErrUnmippedRejected = errors.New("imgcache: un-mipmapped images not accepted")

	// ErrTileTooLarge is returned when a single tile exceeds the whole
	// memory budget and cannot be cached.
	ErrTileTooLarge = errors.New("imgcache: tile exceeds cache memory budget")

	// ErrCacheDestroyed is returned by GetPixels and Handle.GetPixels on
	// a destroyed cache; other operations do not check for destruction.
	ErrCacheDestroyed = errors.New("imgcache: cache has been destroyed")
)

// errorQueue is a bounded deque of pending error messages.
type errorQueue struct {
	mu   sync.Mutex
	msgs []string
}

// errorQueueLimit bounds retained messages so an unchecked queue cannot
// grow without bound.
const errorQueueLimit = 1024

func (q *errorQueue) append(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) >= errorQueueLimit {
		return
	}
	// Consecutive duplicates collapse; decode retries otherwise flood
	// the queue with the same message.
	if n := len(q.msgs); n > 0 && q.msgs[n-1] == msg {
		return
	}
	q.msgs = append(q.msgs, msg)
}

func (q *errorQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs) == 0
}

func (q *errorQueue) drain(clear bool) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := strings.Join(q.msgs, "\n")
	if clear {
		q.msgs = q.msgs[:0]
	}
	return s
}

// recordError appends err to the appropriate queue. Nil Perthread
// routes to the cache-wide queue.
func (c *Cache) recordError(pt *Perthread, err error) {
	if err == nil {
		return
	}
	if pt != nil {
		pt.errs.append(err.Error())
		return
	}
	c.errs.append(err.Error())
}

// HasError reports whether any error is pending on the cache-wide
// queue.
func (c *Cache) HasError() bool {
	return !c.errs.empty()
}

// GetError returns the pending cache-wide error messages joined by
// newlines, clearing the queue when clear is true.
func (c *Cache) GetError(clear bool) string {
	return c.errs.drain(clear)
}
