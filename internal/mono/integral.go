package mono

// Integral is a summed-area table over a mono image. It answers rectangular
// sum and average queries in constant time, which is what makes per-tile
// signal gating affordable on dense sampling grids.
type Integral struct {
	Width  int
	Height int
	sums   []float64
}

// NewIntegral computes the summed-area table of img.
func NewIntegral(img *Image) *Integral {
	w, h := img.Width, img.Height
	sums := make([]float64, w*h)
	if w == 0 || h == 0 {
		return &Integral{Width: w, Height: h, sums: sums}
	}
	sums[0] = float64(img.Pix[0])
	for x := 1; x < w; x++ {
		sums[x] = sums[x-1] + float64(img.Pix[x])
	}
	for y := 1; y < h; y++ {
		row := y * w
		sums[row] = sums[row-w] + float64(img.Pix[row])
	}
	for y := 1; y < h; y++ {
		row := y * w
		for x := 1; x < w; x++ {
			i := row + x
			sums[i] = float64(img.Pix[i]) + sums[i-1] + sums[i-w] - sums[i-w-1]
		}
	}
	return &Integral{Width: w, Height: h, sums: sums}
}

func (it *Integral) at(x, y int) float64 {
	if x >= 0 && y >= 0 {
		return it.sums[y*it.Width+x]
	}
	return 0
}

// AreaSum returns the sum of pixel values over the rectangle with top-left
// (x, y) and the given extent. The rectangle is clipped to the image and the
// result never goes negative.
func (it *Integral) AreaSum(x, y, width, height int) float64 {
	x0 := min(x, it.Width) - 1
	y0 := min(y, it.Height) - 1
	x1 := min(x+width, it.Width) - 1
	y1 := min(y+height, it.Height) - 1
	sum := it.at(x1, y1) - it.at(x1, y0) - it.at(x0, y1) + it.at(x0, y0)
	return max(0, sum)
}

// AreaAverage returns AreaSum divided by the requested (unclipped) area, so
// rectangles hanging off the image average in the missing pixels as zero.
func (it *Integral) AreaAverage(x, y, width, height int) float64 {
	return it.AreaSum(x, y, width, height) / float64(width*height)
}
