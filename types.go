package imgcache

import "github.com/meigma/imgcache/pix"

// --- Re-exports from pix ---

// TypeDesc identifies the element type of pixel data.
type TypeDesc = pix.TypeDesc

// ROI describes a half-open rectangular region of pixels and a channel
// range.
type ROI = pix.ROI

// ImageSpec describes the geometry and format of one miplevel of one
// subimage.
type ImageSpec = pix.ImageSpec

// Span is a typed, strided view over a caller-owned pixel buffer, the
// destination of pixel gathers and the source of tile injection.
type Span = pix.Span

// Pixel element type constants.
const (
	TypeUnknown = pix.TypeUnknown
	TypeUInt8   = pix.TypeUInt8
	TypeInt8    = pix.TypeInt8
	TypeUInt16  = pix.TypeUInt16
	TypeInt16   = pix.TypeInt16
	TypeUInt32  = pix.TypeUInt32
	TypeInt32   = pix.TypeInt32
	TypeFloat   = pix.TypeFloat
	TypeDouble  = pix.TypeDouble
)

// NewSpan returns a contiguous span over data: channels interleaved,
// pixels packed in x, rows packed in y, slices packed in z.
var NewSpan = pix.NewSpan

// NewSpanStrided returns a span with explicit byte strides, including
// negative strides for flipped layouts.
var NewSpanStrided = pix.NewSpanStrided

// NewROI2D returns a 2D region with a single z slice and the given
// channel range.
var NewROI2D = pix.NewROI2D

// NewImageSpec2D returns a spec for a 2D image with the data and
// display windows both at the origin.
var NewImageSpec2D = pix.NewImageSpec2D
