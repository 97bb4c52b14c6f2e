// Package mono provides the single-channel float32 image type shared by the
// registration engine, along with integral images, Sobel gradients and
// displacement-field warping.
package mono

// MaxValue is the full-scale pixel value for 16-bit mono data.
const MaxValue = 65535.0

// Image is a single-channel image backed by a flat row-major buffer.
// The pixel at (x, y) lives at Pix[y*Width+x].
type Image struct {
	Width  int
	Height int
	Pix    []float32
}

// New allocates a zeroed image of the given dimensions.
func New(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height),
	}
}

// FromPix wraps an existing flat row-major buffer of length width*height.
// The image shares the buffer, it is not copied.
func FromPix(width, height int, pix []float32) *Image {
	return &Image{Width: width, Height: height, Pix: pix}
}

// At returns the pixel value at (x, y).
func (m *Image) At(x, y int) float32 {
	return m.Pix[y*m.Width+x]
}

// Set writes the pixel value at (x, y).
func (m *Image) Set(x, y int, v float32) {
	m.Pix[y*m.Width+x] = v
}

// Clone returns a deep copy of the image.
func (m *Image) Clone() *Image {
	pix := make([]float32, len(m.Pix))
	copy(pix, m.Pix)
	return &Image{Width: m.Width, Height: m.Height, Pix: pix}
}

// SameSize reports whether both images have identical dimensions.
func (m *Image) SameSize(other *Image) bool {
	return m.Width == other.Width && m.Height == other.Height
}
