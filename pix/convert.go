package pix

import (
	"encoding/binary"
	"math"
)

// Pixel buffers handled by this package store multi-byte elements
// little-endian, so buffers written on one platform read identically on
// any other.

// loadElem reads one element of type t at b and returns it as a
// normalized float64. Integer types map their full range onto [0,1]
// (unsigned) or [-1,1] (signed).
func loadElem(b []byte, t TypeDesc) float64 {
	switch t {
	case TypeUInt8:
		return float64(b[0]) / 255.0
	case TypeInt8:
		return math.Max(float64(int8(b[0]))/127.0, -1.0)
	case TypeUInt16:
		return float64(binary.LittleEndian.Uint16(b)) / 65535.0
	case TypeInt16:
		return math.Max(float64(int16(binary.LittleEndian.Uint16(b)))/32767.0, -1.0)
	case TypeUInt32:
		return float64(binary.LittleEndian.Uint32(b)) / 4294967295.0
	case TypeInt32:
		return math.Max(float64(int32(binary.LittleEndian.Uint32(b)))/2147483647.0, -1.0)
	case TypeFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// storeElem writes v as one element of type t at b, saturating for
// narrow integer targets.
func storeElem(b []byte, t TypeDesc, v float64) {
	switch t {
	case TypeUInt8:
		b[0] = uint8(math.Round(clamp(v, 0, 1) * 255.0))
	case TypeInt8:
		b[0] = uint8(int8(math.Round(clamp(v, -1, 1) * 127.0)))
	case TypeUInt16:
		binary.LittleEndian.PutUint16(b, uint16(math.Round(clamp(v, 0, 1)*65535.0)))
	case TypeInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(clamp(v, -1, 1)*32767.0))))
	case TypeUInt32:
		binary.LittleEndian.PutUint32(b, uint32(math.Round(clamp(v, 0, 1)*4294967295.0)))
	case TypeInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(clamp(v, -1, 1)*2147483647.0))))
	case TypeFloat:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case TypeDouble:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ConvertElements converts n elements from src (type srcType, elements
// spaced srcStride bytes apart) into dst (type dstType, spaced dstStride
// bytes apart). Identical types degenerate to a strided copy.
func ConvertElements(dst []byte, dstType TypeDesc, dstStride int, src []byte, srcType TypeDesc, srcStride, n int) {
	if dstType == srcType {
		size := srcType.Size()
		if dstStride == size && srcStride == size {
			copy(dst[:n*size], src[:n*size])
			return
		}
		for i := 0; i < n; i++ {
			copy(dst[i*dstStride:i*dstStride+size], src[i*srcStride:i*srcStride+size])
		}
		return
	}
	for i := 0; i < n; i++ {
		storeElem(dst[i*dstStride:], dstType, loadElem(src[i*srcStride:], srcType))
	}
}

// Float32At reads the element of type t at byte offset off in buf as a
// float32 without normalization loss for float sources.
func Float32At(buf []byte, t TypeDesc, off int) float32 {
	return float32(loadElem(buf[off:], t))
}

// PutFloat32At stores v as an element of type t at byte offset off.
func PutFloat32At(buf []byte, t TypeDesc, off int, v float32) {
	storeElem(buf[off:], t, float64(v))
}
