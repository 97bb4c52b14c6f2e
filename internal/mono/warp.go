package mono

import (
	"math"
	"runtime"
	"sync"
)

// DisplacementField supplies a per-pixel displacement to apply when warping.
// For a destination pixel (x, y) the source is sampled at (x+dx, y+dy).
type DisplacementField interface {
	DisplacementAt(x, y float64) (dx, dy float64)
}

// Interpolation selects the pixel resampling kernel used by Warp.
type Interpolation int

const (
	// Bilinear is the default resampling used for intermediate warps.
	Bilinear Interpolation = iota
	// Lanczos is the higher-quality kernel used for the final warp of the
	// pristine input.
	Lanczos
)

// Warp resamples src through the displacement field. Each destination pixel
// (x, y) reads the source at (x+dx, y+dy); when that coordinate falls outside
// [0, Width-1] x [0, Height-1] the destination pixel is written as zero.
// Rows are processed in parallel bands.
func Warp(src *Image, field DisplacementField, interp Interpolation) *Image {
	w, h := src.Width, src.Height
	out := New(w, h)

	workers := runtime.NumCPU()
	if workers > h {
		workers = h
	}
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	band := (h + workers - 1) / workers
	for start := 0; start < h; start += band {
		end := min(start+band, h)
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			warpRows(src, field, interp, out, y0, y1)
		}(start, end)
	}
	wg.Wait()
	return out
}

func warpRows(src *Image, field DisplacementField, interp Interpolation, out *Image, y0, y1 int) {
	w, h := src.Width, src.Height
	for y := y0; y < y1; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			dx, dy := field.DisplacementAt(float64(x), float64(y))
			sx := float64(x) + dx
			sy := float64(y) + dy
			if sx < 0 || sy < 0 || sx > float64(w-1) || sy > float64(h-1) {
				continue
			}
			ix, iy := int(sx), int(sy)
			if float64(ix) == sx && float64(iy) == sy {
				// Integer source coordinate: copy the pixel so a zero
				// field reproduces the input bit for bit.
				out.Pix[row+x] = src.Pix[iy*w+ix]
				continue
			}
			switch interp {
			case Lanczos:
				out.Pix[row+x] = lanczosSample(src, sx, sy)
			default:
				out.Pix[row+x] = bilinearSample(src, sx, sy)
			}
		}
	}
}

func bilinearSample(src *Image, sx, sy float64) float32 {
	w, h := src.Width, src.Height
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	fx := float32(sx - float64(x0))
	fy := float32(sy - float64(y0))
	v00 := src.Pix[y0*w+x0]
	v10 := src.Pix[y0*w+x1]
	v01 := src.Pix[y1*w+x0]
	v11 := src.Pix[y1*w+x1]
	top := v00 + fx*(v10-v00)
	bot := v01 + fx*(v11-v01)
	return top + fy*(bot-top)
}

const lanczosRadius = 3

func lanczosWeight(t float64) float64 {
	if t == 0 {
		return 1
	}
	at := math.Abs(t)
	if at >= lanczosRadius {
		return 0
	}
	pt := math.Pi * t
	return lanczosRadius * math.Sin(pt) * math.Sin(pt/lanczosRadius) / (pt * pt)
}

// lanczosSample evaluates a separable Lanczos-3 kernel with border-clamped
// taps. Weights are renormalized by their sum and the result is clamped to
// [0, MaxValue] to suppress ringing overshoot.
func lanczosSample(src *Image, sx, sy float64) float32 {
	w, h := src.Width, src.Height
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))

	var wx, wy [2 * lanczosRadius]float64
	for j := 0; j < 2*lanczosRadius; j++ {
		wx[j] = lanczosWeight(sx - float64(x0-lanczosRadius+1+j))
		wy[j] = lanczosWeight(sy - float64(y0-lanczosRadius+1+j))
	}

	var sum, weightSum float64
	for j := 0; j < 2*lanczosRadius; j++ {
		cy := min(max(y0-lanczosRadius+1+j, 0), h-1)
		row := cy * w
		var rowSum, rowWeight float64
		for i := 0; i < 2*lanczosRadius; i++ {
			cx := min(max(x0-lanczosRadius+1+i, 0), w-1)
			rowSum += wx[i] * float64(src.Pix[row+cx])
			rowWeight += wx[i]
		}
		sum += wy[j] * rowSum
		weightSum += wy[j] * rowWeight
	}
	if weightSum == 0 {
		return 0
	}
	v := sum / weightSum
	if v < 0 {
		return 0
	}
	if v > MaxValue {
		return MaxValue
	}
	return float32(v)
}
