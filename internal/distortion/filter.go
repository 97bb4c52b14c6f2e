package distortion

import "math"

// FilterParams tunes the deterministic filter-and-smooth pass applied to a
// freshly scanned map.
type FilterParams struct {
	// SearchRadius bounds the neighborhood used to fill unsampled cells
	// from sampled ones by inverse-distance weighting.
	SearchRadius int
	// HalfWindow is the half-size of the MAD outlier detection window.
	HalfWindow int
	// MADThreshold is the replacement threshold in MAD units.
	MADThreshold float64
	// Sigma is the standard deviation of the final Gaussian smoothing.
	Sigma float64
}

// DefaultFilterParams returns the parameters used by the registration scan.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		SearchRadius: 3,
		HalfWindow:   2,
		MADThreshold: 3.0,
		Sigma:        1.0,
	}
}

const (
	histogramBins = 512
	madScale      = 1.4826
	madFloor      = 0.1
)

// FilterAndSmooth runs the default deterministic cleanup pass over the grid:
// unsampled cells are filled by inverse-distance weighting from sampled
// neighbors, outliers are replaced by the local median when they deviate by
// more than MADThreshold median absolute deviations, and the field is
// smoothed with a separable Gaussian. The pass never runs device code and
// produces identical output for identical input.
func (m *Map) FilterAndSmooth() {
	m.FilterWith(DefaultFilterParams())
}

// FilterWith is FilterAndSmooth with explicit parameters.
func (m *Map) FilterWith(p FilterParams) {
	m.fillUnsampled(p.SearchRadius)
	m.madFilter(p.HalfWindow, p.MADThreshold)
	m.gaussianSmooth(p.Sigma)
}

// fillUnsampled writes an inverse-distance-weighted estimate into every
// unsampled cell that has at least one sampled neighbor within the search
// radius. The sampled mask itself is left untouched, so the pass reads only
// original samples and is order independent.
func (m *Map) fillUnsampled(searchRadius int) {
	for cy := 0; cy < m.rows; cy++ {
		for cx := 0; cx < m.cols; cx++ {
			i := cy*m.cols + cx
			if m.sampled[i] {
				continue
			}
			var weightSum, sumDx, sumDy float64
			for oy := -searchRadius; oy <= searchRadius; oy++ {
				ny := cy + oy
				if ny < 0 || ny >= m.rows {
					continue
				}
				for ox := -searchRadius; ox <= searchRadius; ox++ {
					if ox == 0 && oy == 0 {
						continue
					}
					nx := cx + ox
					if nx < 0 || nx >= m.cols {
						continue
					}
					ni := ny*m.cols + nx
					if !m.sampled[ni] {
						continue
					}
					w := 1 / float64(ox*ox+oy*oy)
					weightSum += w
					sumDx += w * m.dx[ni]
					sumDy += w * m.dy[ni]
				}
			}
			if weightSum > 0 {
				m.dx[i] = sumDx / weightSum
				m.dy[i] = sumDy / weightSum
			}
		}
	}
}

// madFilter replaces cells deviating from the windowed median by more than
// threshold*MAD. The dx and dy components are filtered independently.
func (m *Map) madFilter(halfWindow int, threshold float64) {
	newDx := make([]float64, len(m.dx))
	newDy := make([]float64, len(m.dy))
	copy(newDx, m.dx)
	copy(newDy, m.dy)

	valsDx := make([]float64, 0, (2*halfWindow+1)*(2*halfWindow+1))
	valsDy := make([]float64, 0, cap(valsDx))
	devs := make([]float64, 0, cap(valsDx))

	for cy := 0; cy < m.rows; cy++ {
		for cx := 0; cx < m.cols; cx++ {
			valsDx = valsDx[:0]
			valsDy = valsDy[:0]
			for oy := -halfWindow; oy <= halfWindow; oy++ {
				ny := cy + oy
				if ny < 0 || ny >= m.rows {
					continue
				}
				for ox := -halfWindow; ox <= halfWindow; ox++ {
					if ox == 0 && oy == 0 {
						continue
					}
					nx := cx + ox
					if nx < 0 || nx >= m.cols {
						continue
					}
					ni := ny*m.cols + nx
					valsDx = append(valsDx, m.dx[ni])
					valsDy = append(valsDy, m.dy[ni])
				}
			}
			if len(valsDx) == 0 {
				continue
			}
			i := cy*m.cols + cx

			medDx := histogramMedian(valsDx)
			devs = devs[:0]
			for _, v := range valsDx {
				devs = append(devs, math.Abs(v-medDx))
			}
			madDx := max(histogramMedian(devs)*madScale, madFloor)
			if math.Abs(m.dx[i]-medDx) > threshold*madDx {
				newDx[i] = medDx
			}

			medDy := histogramMedian(valsDy)
			devs = devs[:0]
			for _, v := range valsDy {
				devs = append(devs, math.Abs(v-medDy))
			}
			madDy := max(histogramMedian(devs)*madScale, madFloor)
			if math.Abs(m.dy[i]-medDy) > threshold*madDy {
				newDy[i] = medDy
			}
		}
	}

	copy(m.dx, newDx)
	copy(m.dy, newDy)
}

// gaussianSmooth applies a separable Gaussian with kernel radius ceil(3σ).
// Edge positions renormalize by the in-bounds weight sum, so a constant
// field passes through unchanged.
func (m *Map) gaussianSmooth(sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	for k := -radius; k <= radius; k++ {
		kernel[k+radius] = math.Exp(-float64(k*k) / (2 * sigma * sigma))
	}

	smoothAxis := func(src []float64, horizontal bool) []float64 {
		out := make([]float64, len(src))
		for cy := 0; cy < m.rows; cy++ {
			for cx := 0; cx < m.cols; cx++ {
				var sum, weightSum float64
				for k := -radius; k <= radius; k++ {
					nx, ny := cx, cy
					if horizontal {
						nx += k
					} else {
						ny += k
					}
					if nx < 0 || nx >= m.cols || ny < 0 || ny >= m.rows {
						continue
					}
					w := kernel[k+radius]
					sum += w * src[ny*m.cols+nx]
					weightSum += w
				}
				if weightSum > 0 {
					out[cy*m.cols+cx] = sum / weightSum
				}
			}
		}
		return out
	}

	m.dx = smoothAxis(smoothAxis(m.dx, true), false)
	m.dy = smoothAxis(smoothAxis(m.dy, true), false)
}

// histogramMedian approximates a median with a fixed 512-bin histogram. The
// approximation error is bounded by the bin width, which is far below the
// displacement noise this filter targets.
func histogramMedian(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return data[0]
	}
	minV, maxV := data[0], data[0]
	for _, v := range data[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	rangeV := maxV - minV
	if rangeV < 1e-10 {
		return minV
	}

	var hist [histogramBins]int
	binWidth := rangeV / histogramBins
	for _, v := range data {
		bin := int((v - minV) / binWidth)
		if bin < 0 {
			bin = 0
		} else if bin >= histogramBins {
			bin = histogramBins - 1
		}
		hist[bin]++
	}

	half := n / 2
	cum := 0
	for i := 0; i < histogramBins; i++ {
		cum += hist[i]
		if cum > half {
			return minV + (float64(i)+0.5)*binWidth
		}
	}
	return (minV + maxV) / 2
}
