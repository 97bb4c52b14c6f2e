package distortion

import (
	"errors"
	"fmt"
	"math"

	"dedistort/internal/fftutil"
)

const (
	turbulenceMinTile     = 32
	turbulenceMaxTile     = 256
	turbulenceDefaultTile = 64
)

// EstimateTurbulenceScale recommends a registration tile size from the
// dominant spatial scale of the displacement fields: the per-cell magnitude
// grids are averaged across maps, zero-padded to a power-of-two FFT size,
// and the strongest non-DC frequency within half the Nyquist disk is
// converted to a wavelength in pixels. The result is clamped to [32, 256];
// when no dominant frequency stands out the neutral default 64 is returned.
func EstimateTurbulenceScale(maps []*Map) (int, error) {
	if len(maps) == 0 {
		return 0, errors.New("distortion: no maps to estimate turbulence from")
	}
	first := maps[0]
	for _, m := range maps[1:] {
		if m.cols != first.cols || m.rows != first.rows || m.step != first.step {
			return 0, fmt.Errorf("distortion: mismatched map grids %dx%d vs %dx%d",
				m.cols, m.rows, first.cols, first.rows)
		}
	}

	cols, rows := first.cols, first.rows
	avg := make([]float64, cols*rows)
	for _, m := range maps {
		for i := range avg {
			avg[i] += math.Sqrt(m.dx[i]*m.dx[i] + m.dy[i]*m.dy[i])
		}
	}
	scale := 1 / float64(len(maps))
	for i := range avg {
		avg[i] *= scale
	}

	fftW := fftutil.NextPowerOfTwo(cols)
	fftH := fftutil.NextPowerOfTwo(rows)
	buf := make([]complex128, fftW*fftH)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			buf[y*fftW+x] = complex(avg[y*cols+x], 0)
		}
	}

	fftutil.Forward2D(buf, fftW, fftH)
	buf[0] = 0
	fftutil.Shift2D(buf, fftW, fftH)

	centerX := fftW / 2
	centerY := fftH / 2
	maxRadius := float64(min(centerY, centerX)) / 2

	var bestPower, bestFreq float64
	for y := 0; y < fftH; y++ {
		for x := 0; x < fftW; x++ {
			dx := float64(x - centerX)
			dy := float64(y - centerY)
			r := math.Sqrt(dx*dx + dy*dy)
			if r == 0 || r > maxRadius {
				continue
			}
			re := real(buf[y*fftW+x])
			im := imag(buf[y*fftW+x])
			power := re*re + im*im
			if power > bestPower {
				bestPower = power
				bestFreq = r
			}
		}
	}

	if bestPower <= 0 || bestFreq == 0 {
		return turbulenceDefaultTile, nil
	}
	wavelength := float64(fftW) / bestFreq * float64(first.step)
	tile := int(math.Round(wavelength))
	if tile < turbulenceMinTile {
		tile = turbulenceMinTile
	}
	if tile > turbulenceMaxTile {
		tile = turbulenceMaxTile
	}
	return tile, nil
}
