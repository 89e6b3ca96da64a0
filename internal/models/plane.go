package models

import (
	"fmt"
	"image"
	"image/color"
)

// Plane is a single 2-D scalar raster stored row-major as 32-bit floats.
type Plane struct {
	// Pix holds Width*Height samples, row by row
	Pix []float32

	// Width and Height are the raster dimensions in pixels
	Width  int
	Height int

	// BitDepth records the depth of the raster the samples came from
	// (8 or 16 for integer sources, 32 for float data). Filters that work
	// in the source range, like the Lipschitz cover, read it.
	BitDepth int
}

// NewPlane allocates a zero-filled plane
func NewPlane(width, height int) *Plane {
	return &Plane{
		Pix:      make([]float32, width*height),
		Width:    width,
		Height:   height,
		BitDepth: 32,
	}
}

// NewPlaneFromData wraps existing samples. The length of data must match the dimensions.
func NewPlaneFromData(data []float32, width, height int) (*Plane, error) {
	if width <= 0 || height <= 0 {
		return nil, NewConfigurationError("plane dimensions must be positive, got %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, NewConfigurationError("plane data has %d samples, want %d", len(data), width*height)
	}
	return &Plane{Pix: data, Width: width, Height: height, BitDepth: 32}, nil
}

// At returns the sample at (x, y)
func (p *Plane) At(x, y int) float32 {
	return p.Pix[y*p.Width+x]
}

// Set stores a sample at (x, y)
func (p *Plane) Set(x, y int, v float32) {
	p.Pix[y*p.Width+x] = v
}

// Clone returns a deep copy of the plane
func (p *Plane) Clone() *Plane {
	pix := make([]float32, len(p.Pix))
	copy(pix, p.Pix)
	return &Plane{Pix: pix, Width: p.Width, Height: p.Height, BitDepth: p.BitDepth}
}

// SameSize reports whether both planes share width and height
func (p *Plane) SameSize(o *Plane) bool {
	return p.Width == o.Width && p.Height == o.Height
}

// MaxValue is the largest sample value of the plane's source bit depth
func (p *Plane) MaxValue() float32 {
	switch p.BitDepth {
	case 8:
		return 255
	case 16:
		return 65535
	default:
		return 255
	}
}

// PlaneFromImage converts an image into a scalar plane.
// 16-bit grey images keep their raw sample values, everything else is
// reduced to its 8-bit luminance.
func PlaneFromImage(img image.Image) *Plane {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := NewPlane(width, height)

	if g16, ok := img.(*image.Gray16); ok {
		plane.BitDepth = 16
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				plane.Pix[y*width+x] = float32(g16.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
		return plane
	}

	plane.BitDepth = 8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			plane.Pix[y*width+x] = float32(g.Y)
		}
	}
	return plane
}

// SplitRGB decomposes a colour image into its red, green and blue planes
func SplitRGB(img image.Image) [3]*Plane {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var planes [3]*Plane
	for c := range planes {
		planes[c] = NewPlane(width, height)
		planes[c].BitDepth = 8
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			rgba := color.RGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			idx := y*width + x
			planes[0].Pix[idx] = float32(rgba.R)
			planes[1].Pix[idx] = float32(rgba.G)
			planes[2].Pix[idx] = float32(rgba.B)
		}
	}
	return planes
}

// IsColor reports whether an image carries colour information worth splitting
func IsColor(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return false
	}
	return img.ColorModel() != color.GrayModel && img.ColorModel() != color.Gray16Model
}

// Slice is one image plane of a multi-slice input together with where it came from
type Slice struct {
	// Planes holds one plane for grey input or three for RGB input
	Planes []*Plane

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice, empty for in-memory data
	Filename string
}

// Validate checks that every plane of the slice shares one geometry
func (s *Slice) Validate() error {
	if len(s.Planes) == 0 {
		return NewConfigurationError("slice %d has no planes", s.Index)
	}
	for i, p := range s.Planes[1:] {
		if !p.SameSize(s.Planes[0]) {
			return fmt.Errorf("slice %d: plane %d is %dx%d, want %dx%d: %w",
				s.Index, i+1, p.Width, p.Height, s.Planes[0].Width, s.Planes[0].Height, ErrConfiguration)
		}
	}
	return nil
}
