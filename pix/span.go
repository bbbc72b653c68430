package pix

import (
	"errors"
	"fmt"
)

// Span errors.
var (
	// ErrSpanBounds is returned when a span's strides address bytes
	// outside its backing buffer.
	ErrSpanBounds = errors.New("pix: span strides exceed buffer bounds")

	// ErrSpanFormat is returned when a span is built with an invalid
	// element type.
	ErrSpanFormat = errors.New("pix: invalid span element type")
)

// Span is a typed, strided view over a caller-owned pixel buffer. It is
// the destination of pixel gathers and the source of tile injection.
//
// Channels within a pixel are always contiguous (channel stride equals
// the element size). The x, y, and z strides are byte strides and may be
// negative for flipped layouts; origin positions element (0,0,0,ch 0) so
// every addressed element stays inside the buffer.
type Span struct {
	data   []byte
	origin int
	format TypeDesc

	nch                  int
	width, height, depth int

	xStride, yStride, zStride int
}

// NewSpan returns a contiguous span over data: channels interleaved,
// pixels packed in x, rows packed in y, slices packed in z.
func NewSpan(data []byte, format TypeDesc, nch, width, height, depth int) (Span, error) {
	if depth <= 0 {
		depth = 1
	}
	xs := nch * format.Size()
	ys := width * xs
	zs := height * ys
	return NewSpanStrided(data, format, nch, width, height, depth, xs, ys, zs, 0)
}

// NewSpanStrided returns a span with explicit byte strides. origin is
// the byte offset of pixel (0,0,0).
func NewSpanStrided(data []byte, format TypeDesc, nch, width, height, depth, xStride, yStride, zStride, origin int) (Span, error) {
	if !format.Valid() {
		return Span{}, ErrSpanFormat
	}
	if nch <= 0 || width <= 0 || height <= 0 || depth <= 0 {
		return Span{}, fmt.Errorf("pix: degenerate span %dx%dx%d ch=%d", width, height, depth, nch)
	}
	s := Span{
		data:   data,
		origin: origin,
		format: format,
		nch:    nch,
		width:  width, height: height, depth: depth,
		xStride: xStride, yStride: yStride, zStride: zStride,
	}
	lo, hi := s.byteExtent()
	if lo < 0 || hi > len(data) {
		return Span{}, ErrSpanBounds
	}
	return s, nil
}

// byteExtent returns the [lo, hi) range of bytes the span can address.
func (s *Span) byteExtent() (int, int) {
	lo, hi := s.origin, s.origin
	for _, d := range [][2]int{
		{s.xStride, s.width - 1},
		{s.yStride, s.height - 1},
		{s.zStride, s.depth - 1},
	} {
		span := d[0] * d[1]
		if span < 0 {
			lo += span
		} else {
			hi += span
		}
	}
	hi += s.nch * s.format.Size()
	return lo, hi
}

// Format returns the element type of the span.
func (s *Span) Format() TypeDesc { return s.format }

// NChannels returns the channels per pixel.
func (s *Span) NChannels() int { return s.nch }

// Width returns the x extent in pixels.
func (s *Span) Width() int { return s.width }

// Height returns the y extent in pixels.
func (s *Span) Height() int { return s.height }

// Depth returns the z extent in pixels.
func (s *Span) Depth() int { return s.depth }

func (s *Span) rowOffset(x, y, z int) int {
	return s.origin + x*s.xStride + y*s.yStride + z*s.zStride
}

// WriteRow converts n pixels of s.NChannels() channels each from src
// into the span starting at pixel (x, y, z). Source pixels are spaced
// srcPixelStride bytes apart with contiguous elements of type srcType.
func (s *Span) WriteRow(x, y, z, n int, src []byte, srcType TypeDesc, srcPixelStride int) {
	off := s.rowOffset(x, y, z)
	esize := s.format.Size()
	ssize := srcType.Size()
	if s.format == srcType && s.xStride == s.nch*esize && srcPixelStride == s.nch*ssize {
		copy(s.data[off:off+n*s.xStride], src[:n*srcPixelStride])
		return
	}
	for p := 0; p < n; p++ {
		dst := s.data[off+p*s.xStride:]
		sp := src[p*srcPixelStride:]
		ConvertElements(dst, s.format, esize, sp, srcType, ssize, s.nch)
	}
}

// ZeroRow writes n zero pixels starting at pixel (x, y, z).
func (s *Span) ZeroRow(x, y, z, n int) {
	off := s.rowOffset(x, y, z)
	esize := s.format.Size()
	for p := 0; p < n; p++ {
		base := off + p*s.xStride
		for c := 0; c < s.nch*esize; c++ {
			s.data[base+c] = 0
		}
	}
}

// ReadRow converts n pixels starting at (x, y, z) out of the span into
// dst, writing elements of type dstType with pixels spaced
// dstPixelStride bytes apart.
func (s *Span) ReadRow(x, y, z, n int, dst []byte, dstType TypeDesc, dstPixelStride int) {
	off := s.rowOffset(x, y, z)
	esize := s.format.Size()
	dsize := dstType.Size()
	for p := 0; p < n; p++ {
		src := s.data[off+p*s.xStride:]
		dp := dst[p*dstPixelStride:]
		ConvertElements(dp, dstType, dsize, src, s.format, esize, s.nch)
	}
}

// Contiguous reports whether the span's memory layout is fully packed
// in channel, x, y, z order.
func (s *Span) Contiguous() bool {
	xs := s.nch * s.format.Size()
	return s.xStride == xs && s.yStride == s.width*xs && s.zStride == s.height*s.width*xs
}

// Bytes returns the backing buffer. Mostly useful for contiguous spans.
func (s *Span) Bytes() []byte { return s.data }
