package imgcache

import (
	"fmt"

	"github.com/meigma/imgcache/decoder"
	"github.com/meigma/imgcache/pix"
)

// ImageSpec returns a pointer to the internal spec of one miplevel of
// one subimage. The pointer stays valid until the file is invalidated;
// callers that need a durable copy should dereference it.
func (c *Cache) ImageSpec(pt *Perthread, name string, subimage, miplevel int) (*pix.ImageSpec, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()
	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	return c.imageSpec(pt, f, subimage, miplevel)
}

// Spec is the handle variant of Cache.ImageSpec.
func (h *Handle) Spec(pt *Perthread, subimage, miplevel int) (*pix.ImageSpec, error) {
	c := h.cache
	pt, done := c.acquirePerthread(pt)
	defer done()
	if h.f == nil {
		return nil, ErrNotFound
	}
	return c.imageSpec(pt, h.f, subimage, miplevel)
}

func (c *Cache) imageSpec(pt *Perthread, f *fileRecord, subimage, miplevel int) (*pix.ImageSpec, error) {
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	lr, err := f.levelInfo(subimage, miplevel)
	if err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	return &lr.spec, nil
}

// CacheDimensions returns the spec as the cache stores it: the virtual
// tile grid after autotile and the cached pixel format (which may be
// float for integer files under forcefloat).
func (c *Cache) CacheDimensions(pt *Perthread, name string, subimage, miplevel int) (pix.ImageSpec, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()
	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, err
	}
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	lr, err := f.levelInfo(subimage, miplevel)
	if err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, err
	}
	spec := lr.spec
	spec.TileWidth, spec.TileHeight, spec.TileDepth = lr.tileW, lr.tileH, lr.tileD
	spec.Format = f.subimages[subimage].cacheFmt
	return spec, nil
}

// ImageInfo answers named metadata queries about a file. Supported
// keys:
//
//	"exists"         int; 1 if the file can be opened. Never errors.
//	"subimages"      int
//	"miplevels"      int (of the queried subimage, incl. synthesized)
//	"resolution"     []int{width, height, depth}
//	"channels"       int
//	"format"         string (native pixel format)
//	"cacheformat"    string (format tiles are cached as)
//	"datawindow"     pix.ROI
//	"displaywindow"  pix.ROI
//	"fingerprint"    string (empty when the file records none)
//	"texturetype"    string ("Plain Texture", "Volume Texture", "UDIM")
//	"averagecolor"   []float32 (from the embedded thumbnail)
func (c *Cache) ImageInfo(pt *Perthread, name string, subimage, miplevel int, key string) (any, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()

	f, err := c.findFile(pt, name)
	if key == "exists" {
		// Existence probes are never errors: a missing or rejected
		// file simply does not exist.
		if f == nil || err != nil || !c.fileExists(f) {
			return 0, nil
		}
		return 1, nil
	}
	if err != nil {
		c.recordError(pt, err)
		return nil, err
	}
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		c.recordError(pt, err)
		return nil, err
	}

	if key == "udim" {
		return boolToInt(f.udim), nil
	}
	if key == "fingerprint" {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return string(f.fingerprint), nil
	}
	if key == "subimages" {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return len(f.subimages), nil
	}
	if key == "averagecolor" {
		return c.averageColor(pt, f)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if subimage < 0 || subimage >= len(f.subimages) {
		return nil, fmt.Errorf("%w: subimage %d of %q", ErrBadSubimage, subimage, name)
	}
	sub := &f.subimages[subimage]
	if miplevel < 0 || miplevel >= len(sub.levels) {
		return nil, fmt.Errorf("%w: miplevel %d of %q", ErrBadSubimage, miplevel, name)
	}
	spec := &sub.levels[miplevel].spec

	switch key {
	case "miplevels":
		return len(sub.levels), nil
	case "resolution":
		return []int{spec.Width, spec.Height, spec.Depth}, nil
	case "channels":
		return spec.NChannels, nil
	case "format":
		return spec.Format.String(), nil
	case "cacheformat":
		return sub.cacheFmt.String(), nil
	case "datawindow":
		return spec.ROI(), nil
	case "displaywindow":
		return spec.FullROI(), nil
	case "texturetype":
		switch {
		case f.udim:
			return "UDIM", nil
		case spec.Depth > 1:
			return "Volume Texture", nil
		default:
			return "Plain Texture", nil
		}
	default:
		return nil, fmt.Errorf("%w: image info %q", ErrUnknownAttribute, key)
	}
}

func (c *Cache) fileExists(f *fileRecord) bool {
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.broken
}

// thumbEntry is one decoded thumbnail in the bounded thumbnail cache.
type thumbEntry struct {
	spec pix.ImageSpec
	data []byte
}

// Thumbnail returns the file's embedded preview image, if its format
// records one. The pixel data is float32, channel-interleaved.
func (c *Cache) Thumbnail(pt *Perthread, name string, subimage int) (pix.ImageSpec, []byte, error) {
	pt, done := c.acquirePerthread(pt)
	defer done()
	c.stats.thumbnailRequests.Add(1)

	f, err := c.findFile(pt, name)
	if err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, nil, err
	}
	f = f.target()
	if err := c.ensureValidSpec(f); err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, nil, err
	}

	if e, ok := c.thumbs.Get(f.id); ok {
		return e.spec, e.data, nil
	}

	var spec pix.ImageSpec
	var data []byte
	err = c.withDecoder(f, func(dec decoder.Decoder) error {
		tn, ok := dec.(decoder.Thumbnailer)
		if !ok {
			return nil
		}
		var terr error
		spec, data, terr = tn.Thumbnail(subimage)
		return terr
	})
	if err != nil {
		c.recordError(pt, err)
		return pix.ImageSpec{}, nil, err
	}
	if len(data) > 0 {
		c.thumbs.Add(f.id, thumbEntry{spec: spec, data: data})
	}
	return spec, data, nil
}

// averageColor computes the per-channel mean of the thumbnail, the
// cheapest available proxy for the image's average color.
func (c *Cache) averageColor(pt *Perthread, f *fileRecord) ([]float32, error) {
	spec, data, err := c.Thumbnail(pt, f.name, 0)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %q records no thumbnail for averagecolor", ErrUnknownAttribute, f.name)
	}
	nch := spec.NChannels
	sums := make([]float64, nch)
	npix := spec.Width * spec.Height
	for p := 0; p < npix; p++ {
		for ch := 0; ch < nch; ch++ {
			sums[ch] += float64(pix.Float32At(data, pix.TypeFloat, (p*nch+ch)*4))
		}
	}
	avg := make([]float32, nch)
	for ch := range avg {
		avg[ch] = float32(sums[ch] / float64(npix))
	}
	return avg, nil
}
