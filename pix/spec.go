package pix

import "fmt"

// ImageSpec describes the geometry and format of one miplevel of one
// subimage: the data window (the pixels actually present), the display
// window (the nominal full image), tiling, and channel layout.
type ImageSpec struct {
	// Data window origin and extent.
	X, Y, Z              int
	Width, Height, Depth int

	// Display window origin and extent. Metadata only; pixels outside
	// the data window read as zero.
	FullX, FullY, FullZ              int
	FullWidth, FullHeight, FullDepth int

	// Tile dimensions. TileWidth == 0 means scanline (untiled) storage.
	TileWidth, TileHeight, TileDepth int

	NChannels    int
	Format       TypeDesc
	ChannelNames []string
}

// NewImageSpec2D returns a spec for a 2D image with the data and display
// windows both at the origin.
func NewImageSpec2D(width, height, nchannels int, format TypeDesc) ImageSpec {
	return ImageSpec{
		Width: width, Height: height, Depth: 1,
		FullWidth: width, FullHeight: height, FullDepth: 1,
		NChannels: nchannels,
		Format:    format,
	}
}

// ROI returns the data window as a region covering all channels.
func (s *ImageSpec) ROI() ROI {
	return ROI{
		XBegin: s.X, XEnd: s.X + s.Width,
		YBegin: s.Y, YEnd: s.Y + s.Height,
		ZBegin: s.Z, ZEnd: s.Z + s.Depth,
		ChBegin: 0, ChEnd: s.NChannels,
	}
}

// FullROI returns the display window as a region covering all channels.
func (s *ImageSpec) FullROI() ROI {
	return ROI{
		XBegin: s.FullX, XEnd: s.FullX + s.FullWidth,
		YBegin: s.FullY, YEnd: s.FullY + s.FullHeight,
		ZBegin: s.FullZ, ZEnd: s.FullZ + s.FullDepth,
		ChBegin: 0, ChEnd: s.NChannels,
	}
}

// Tiled reports whether the image is stored in tiles.
func (s *ImageSpec) Tiled() bool { return s.TileWidth > 0 }

// PixelBytes returns the size of one full pixel in bytes.
func (s *ImageSpec) PixelBytes() int { return s.NChannels * s.Format.Size() }

// ScanlineBytes returns the size of one full-width scanline in bytes.
func (s *ImageSpec) ScanlineBytes() int64 {
	return int64(s.Width) * int64(s.PixelBytes())
}

// TileBytes returns the size of one full (unclipped) tile in bytes, or
// the whole-image size for untiled specs.
func (s *ImageSpec) TileBytes() int64 {
	if !s.Tiled() {
		return s.ImageBytes()
	}
	td := s.TileDepth
	if td == 0 {
		td = 1
	}
	return int64(s.TileWidth) * int64(s.TileHeight) * int64(td) * int64(s.PixelBytes())
}

// ImageBytes returns the size of the full data window in bytes.
func (s *ImageSpec) ImageBytes() int64 {
	return int64(s.Width) * int64(s.Height) * int64(s.Depth) * int64(s.PixelBytes())
}

// ChannelName returns the name of channel i, generating positional names
// (R, G, B, A, channel4, ...) when none were recorded.
func (s *ImageSpec) ChannelName(i int) string {
	if i < len(s.ChannelNames) {
		return s.ChannelNames[i]
	}
	switch i {
	case 0:
		return "R"
	case 1:
		return "G"
	case 2:
		return "B"
	case 3:
		return "A"
	default:
		return fmt.Sprintf("channel%d", i)
	}
}
