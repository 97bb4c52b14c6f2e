package mono

import "math"

// Gradient holds per-pixel Sobel gradient magnitude and direction for an
// image, both as flat row-major buffers.
type Gradient struct {
	Width     int
	Height    int
	Magnitude []float32
	Direction []float32
}

// Sobel horizontal and vertical 3x3 taps, row-major.
var (
	sobelX = [9]float32{1, 0, -1, 2, 0, -2, 1, 0, -1}
	sobelY = [9]float32{1, 2, 1, 0, 0, 0, -1, -2, -1}
)

// SobelGradient computes the signed Sobel responses of img with clamped
// borders and returns their magnitude (sqrt(gx²+gy²)) and direction
// (atan2(gy, gx)). The magnitude is rotationally symmetric, which is what
// interest-point detection relies on.
func SobelGradient(img *Image) *Gradient {
	w, h := img.Width, img.Height
	mag := make([]float32, w*h)
	dir := make([]float32, w*h)
	maxX, maxY := w-1, h-1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var gx, gy float32
			k := 0
			for ky := -1; ky <= 1; ky++ {
				cy := min(max(y+ky, 0), maxY)
				row := cy * w
				for kx := -1; kx <= 1; kx++ {
					cx := min(max(x+kx, 0), maxX)
					v := img.Pix[row+cx]
					gx += sobelX[k] * v
					gy += sobelY[k] * v
					k++
				}
			}
			i := y*w + x
			mag[i] = float32(math.Sqrt(float64(gx*gx + gy*gy)))
			dir[i] = float32(math.Atan2(float64(gy), float64(gx)))
		}
	}
	return &Gradient{Width: w, Height: h, Magnitude: mag, Direction: dir}
}

// MaxMagnitude returns the largest gradient magnitude inside the rectangle
// [x0, x1) x [y0, y1), clipped to the image.
func (g *Gradient) MaxMagnitude(x0, y0, x1, y1 int) float32 {
	x0 = max(x0, 0)
	y0 = max(y0, 0)
	x1 = min(x1, g.Width)
	y1 = min(y1, g.Height)
	var best float32
	for y := y0; y < y1; y++ {
		row := y * g.Width
		for x := x0; x < x1; x++ {
			if v := g.Magnitude[row+x]; v > best {
				best = v
			}
		}
	}
	return best
}
