// Package pix provides the pixel-domain primitives shared by the image
// cache and its decoders: element types, regions of interest, image
// specifications, and strided pixel spans with type conversion.
package pix

import "fmt"

// TypeDesc identifies the element type of pixel data.
type TypeDesc uint8

// Supported pixel element types.
const (
	TypeUnknown TypeDesc = iota
	TypeUInt8
	TypeInt8
	TypeUInt16
	TypeInt16
	TypeUInt32
	TypeInt32
	TypeFloat
	TypeDouble
)

// Size returns the size of one element in bytes.
func (t TypeDesc) Size() int {
	switch t {
	case TypeUInt8, TypeInt8:
		return 1
	case TypeUInt16, TypeInt16:
		return 2
	case TypeUInt32, TypeInt32, TypeFloat:
		return 4
	case TypeDouble:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether the type is a floating-point type.
func (t TypeDesc) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

// Valid reports whether t is one of the supported element types.
func (t TypeDesc) Valid() bool {
	return t > TypeUnknown && t <= TypeDouble
}

func (t TypeDesc) String() string {
	switch t {
	case TypeUInt8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeUInt16:
		return "uint16"
	case TypeInt16:
		return "int16"
	case TypeUInt32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
