// Package correlation estimates sub-pixel displacement between equal-size
// square tiles using FFT correlation. The returned shift tells how to move
// the target tile back onto the reference: warping the target by (Dx, Dy)
// aligns it with the reference.
package correlation

import (
	"math"

	"dedistort/internal/fftutil"
)

// Shift is a sub-pixel tile displacement with an estimation confidence
// in [0, 1].
type Shift struct {
	Dx         float64
	Dy         float64
	Confidence float64
}

// MinWindowedSize is the tile size below which windowed phase correlation
// loses too much signal to the window taper and plain cross-correlation
// takes over.
const MinWindowedSize = 32

// BestShift routes a tile pair to the kernel suited to its size: plain
// un-windowed cross-correlation below MinWindowedSize, windowed phase
// correlation otherwise.
func BestShift(ref, target []float32, size int) Shift {
	if size < MinWindowedSize {
		return crossCorrelate(ref, target, size, false)
	}
	return phaseCorrelate(ref, target, size)
}

func phaseCorrelate(ref, target []float32, size int) Shift {
	win := hannWindow(size)
	a := windowedTile(ref, win)
	b := windowedTile(target, win)
	surface := correlationSurface(a, b, size, true)
	return shiftFromSurface(surface, size)
}

// crossCorrelate computes an un-normalized cross-correlation surface. The
// window is applied for the adaptive fallback path and skipped for small
// tiles.
func crossCorrelate(ref, target []float32, size int, windowed bool) Shift {
	var a, b []complex128
	if windowed {
		win := hannWindow(size)
		a = windowedTile(ref, win)
		b = windowedTile(target, win)
	} else {
		a = rawTile(ref)
		b = rawTile(target)
	}
	surface := correlationSurface(a, b, size, false)
	return shiftFromSurface(surface, size)
}

// tileMean returns the mean pixel value of a tile.
func tileMean(tile []float32) float64 {
	var sum float64
	for _, v := range tile {
		sum += float64(v)
	}
	return sum / float64(len(tile))
}

// nccCorrelate zero-means both tiles, windows them, and normalizes the
// correlation peak by the zero-mean tile energies. Confidence is the
// normalized peak value itself.
func nccCorrelate(ref, target []float32, size int) Shift {
	n := size * size
	var meanRef, meanTgt float64
	for i := 0; i < n; i++ {
		meanRef += float64(ref[i])
		meanTgt += float64(target[i])
	}
	meanRef /= float64(n)
	meanTgt /= float64(n)

	zmRef := make([]float64, n)
	zmTgt := make([]float64, n)
	var sumSqRef, sumSqTgt float64
	for i := 0; i < n; i++ {
		zmRef[i] = float64(ref[i]) - meanRef
		zmTgt[i] = float64(target[i]) - meanTgt
		sumSqRef += zmRef[i] * zmRef[i]
		sumSqTgt += zmTgt[i] * zmTgt[i]
	}
	normFactor := math.Sqrt(sumSqRef * sumSqTgt)
	if normFactor < 1e-10 {
		return Shift{}
	}

	win := hannWindow(size)
	a := make([]complex128, n)
	b := make([]complex128, n)
	for i := 0; i < n; i++ {
		a[i] = complex(zmRef[i]*win[i], 0)
		b[i] = complex(zmTgt[i]*win[i], 0)
	}
	surface := correlationSurface(a, b, size, false)

	px, py := findPeak(surface, size)
	peak := surface[py*size+px]
	ox, oy := fitPeak(surface, size, px, py)
	center := float64(size) / 2
	return Shift{
		Dx:         -(float64(px) + ox - center),
		Dy:         -(float64(py) + oy - center),
		Confidence: clamp01(peak / normFactor),
	}
}

// windowedTile subtracts the tile mean before applying the window. Without
// the subtraction the windowed background level contributes an identical
// envelope spectrum to both tiles, and after whitening those bins all vote
// for zero lag, which on low-contrast tiles outweighs the true peak.
func windowedTile(tile []float32, win []float64) []complex128 {
	mean := tileMean(tile)
	buf := make([]complex128, len(tile))
	for i, v := range tile {
		buf[i] = complex((float64(v)-mean)*win[i], 0)
	}
	return buf
}

func rawTile(tile []float32) []complex128 {
	buf := make([]complex128, len(tile))
	for i, v := range tile {
		buf[i] = complex(float64(v), 0)
	}
	return buf
}

// correlationSurface computes the shifted real correlation surface of two
// spatial-domain tiles. With normalize set, the cross-power spectrum is
// reduced to pure phase (bins with near-zero magnitude are left untouched).
func correlationSurface(a, b []complex128, size int, normalize bool) []float64 {
	fftutil.Forward2D(a, size, size)
	fftutil.Forward2D(b, size, size)

	for i := range a {
		ar, ai := real(a[i]), imag(a[i])
		br, bi := real(b[i]), imag(b[i])
		crossR := ar*br + ai*bi
		crossI := ai*br - ar*bi
		if normalize {
			magSq := crossR*crossR + crossI*crossI
			if magSq > 1e-20 {
				mag := math.Sqrt(magSq)
				crossR /= mag
				crossI /= mag
			}
		}
		a[i] = complex(crossR, crossI)
	}

	fftutil.Inverse2D(a, size, size)
	fftutil.Shift2D(a, size, size)

	surface := make([]float64, len(a))
	for i := range a {
		surface[i] = real(a[i])
	}
	return surface
}

func shiftFromSurface(surface []float64, size int) Shift {
	px, py := findPeak(surface, size)
	ox, oy := fitPeak(surface, size, px, py)
	conf := peakConfidence(surface, size, px, py)
	center := float64(size) / 2
	return Shift{
		Dx:         -(float64(px) + ox - center),
		Dy:         -(float64(py) + oy - center),
		Confidence: conf,
	}
}

// findPeak locates the maximum of the surface. Exact ties go to the
// candidate closest to the center, so a featureless surface resolves to a
// zero shift instead of a wraparound artifact.
func findPeak(surface []float64, size int) (int, int) {
	center := size / 2
	bestX, bestY := 0, 0
	best := surface[0]
	bestDist := center*center + center*center
	for y := 0; y < size; y++ {
		row := y * size
		for x := 0; x < size; x++ {
			v := surface[row+x]
			if v < best {
				continue
			}
			dx := x - center
			dy := y - center
			dist := dx*dx + dy*dy
			if v > best || dist < bestDist {
				best = v
				bestX, bestY = x, y
				bestDist = dist
			}
		}
	}
	return bestX, bestY
}

// fitPeak refines the integer peak by fitting a separable parabola to the
// log of the three samples around it on each axis. Border peaks get no
// refinement.
func fitPeak(surface []float64, size, px, py int) (float64, float64) {
	if px <= 0 || px >= size-1 || py <= 0 || py >= size-1 {
		return 0, 0
	}
	logAt := func(x, y int) float64 {
		return math.Log(math.Max(1e-10, surface[y*size+x]))
	}
	c := logAt(px, py)
	north := logAt(px, py-1)
	south := logAt(px, py+1)
	west := logAt(px-1, py)
	east := logAt(px+1, py)

	var ox, oy float64
	if d := 2 * (west + east - 2*c); math.Abs(d) > 1e-10 {
		ox = (west - east) / d
	}
	if d := 2 * (north + south - 2*c); math.Abs(d) > 1e-10 {
		oy = (north - south) / d
	}
	return clampOffset(ox), clampOffset(oy)
}

func clampOffset(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// peakConfidence scores the peak by its sharpness ratio: how far the peak
// rises above the surface mean compared to the strongest response outside
// the peak's 3x3 neighborhood.
func peakConfidence(surface []float64, size, px, py int) float64 {
	peak := surface[py*size+px]
	var sum float64
	for _, v := range surface {
		sum += v
	}
	mean := sum / float64(len(surface))

	secondMax := math.Inf(-1)
	for y := 0; y < size; y++ {
		row := y * size
		for x := 0; x < size; x++ {
			if abs(y-py) > 1 || abs(x-px) > 1 {
				if v := surface[row+x]; v > secondMax {
					secondMax = v
				}
			}
		}
	}
	if math.IsInf(secondMax, -1) {
		return 0
	}
	psr := (peak - mean) / (secondMax - mean + 1e-10)
	return clamp01(1 - 1/(1+0.5*psr))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
