package sampling

import (
	"fmt"
	"math"
	"sort"

	"dedistort/internal/mono"
)

const (
	// minSampleSpacingRatio scales a layer's tile size into the minimum
	// center distance enforced during non-maximum suppression.
	minSampleSpacingRatio = 0.5
	// gradientThresholdRatio is the fraction of the strongest gradient a
	// local maximum must reach to become a candidate.
	gradientThresholdRatio = 0.15
	minLayerTileSize       = 32
	maxSamples             = 8192
)

// InterestPointStrategy places tiles on local maxima of the gradient
// magnitude instead of a fixed grid, so sample density follows image detail.
// In multiscale mode three layers are stacked: coarse double-size tiles for
// coverage, the base size as the main density layer and half-size tiles in
// high-detail areas, the way AutoStakkert spreads its alignment points.
type InterestPointStrategy struct {
	multiscale bool
}

// NewInterestPointStrategy returns an interest point strategy, optionally
// with multiscale tile sizes.
func NewInterestPointStrategy(multiscale bool) *InterestPointStrategy {
	return &InterestPointStrategy{multiscale: multiscale}
}

type selectedPoint struct {
	x, y     int
	tileSize int
	gradient float32
}

func (s *InterestPointStrategy) SelectPositions(ref *mono.Image, tileSize int, signalThreshold float64) Positions {
	integral := mono.NewIntegral(ref)
	grad := mono.SobelGradient(ref)

	var points []selectedPoint
	if s.multiscale {
		points = addInterestLayer(points, ref, tileSize*2, integral, grad, signalThreshold)
		points = addInterestLayer(points, ref, tileSize, integral, grad, signalThreshold)
		if small := max(minLayerTileSize, tileSize/2); small < tileSize {
			points = addInterestLayer(points, ref, small, integral, grad, signalThreshold)
		}
	} else {
		points = addInterestLayer(points, ref, tileSize, integral, grad, signalThreshold)
	}

	if len(points) > maxSamples {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].gradient > points[j].gradient
		})
		points = points[:maxSamples]
	}

	out := Positions{
		X:        make([]int, len(points)),
		Y:        make([]int, len(points)),
		TileSize: make([]int, len(points)),
		Count:    len(points),
	}
	for i, p := range points {
		out.X[i] = p.x
		out.Y[i] = p.y
		out.TileSize[i] = p.tileSize
	}
	return out
}

// addInterestLayer appends one tile size worth of interest points: strict
// local maxima of the gradient magnitude above 15% of the layer region's
// strongest gradient, kept only when the tile signal passes the threshold
// and no earlier point (this layer or a previous one) sits closer than half
// a tile.
func addInterestLayer(points []selectedPoint, ref *mono.Image, tileSize int, integral *mono.Integral, grad *mono.Gradient, signalThreshold float64) []selectedPoint {
	w, h := ref.Width, ref.Height
	half := tileSize / 2
	minSpacing := int(minSampleSpacingRatio * float64(tileSize))

	maxGradient := grad.MaxMagnitude(half, half, w-half, h-half)
	threshold := maxGradient * gradientThresholdRatio

	type candidate struct {
		x, y  int
		score float32
	}
	var candidates []candidate
	mag := grad.Magnitude
	for y := half; y < h-half; y++ {
		prev := (y - 1) * w
		curr := y * w
		next := (y + 1) * w
		for x := half; x < w-half; x++ {
			v := mag[curr+x]
			if v < threshold {
				continue
			}
			// Strictly greater than all 8 neighbors.
			if v > mag[prev+x-1] && v > mag[prev+x] && v > mag[prev+x+1] &&
				v > mag[curr+x-1] && v > mag[curr+x+1] &&
				v > mag[next+x-1] && v > mag[next+x] && v > mag[next+x+1] {
				if integral.AreaAverage(x-half, y-half, tileSize, tileSize) >= signalThreshold {
					candidates = append(candidates, candidate{x: x, y: y, score: v})
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	minSpacingSq := minSpacing * minSpacing
	for _, c := range candidates {
		tooClose := false
		for _, p := range points {
			dx := c.x - p.x
			dy := c.y - p.y
			if dx*dx+dy*dy < minSpacingSq {
				tooClose = true
				break
			}
		}
		if !tooClose {
			points = append(points, selectedPoint{x: c.x, y: c.y, tileSize: tileSize, gradient: c.score})
		}
	}
	return points
}

// OutputGridStep matches the tile size: interest points are irregular, so
// the resampled grid does not need to be denser than one cell per tile.
func (s *InterestPointStrategy) OutputGridStep(tileSize int, sampling float64) int {
	return tileSize
}

func (s *InterestPointStrategy) Name() string {
	return fmt.Sprintf("InterestPoint (multiscale=%v)", s.multiscale)
}

// DebugOverlay renders selected tiles onto a dimmed copy of the reference
// image: one rectangle per tile, brighter for smaller tiles, and a cross at
// each sample center. Pixel values stay in [0, 1].
func DebugOverlay(ref *mono.Image, pos Positions) *mono.Image {
	out := mono.New(ref.Width, ref.Height)
	var maxVal float32
	for _, v := range ref.Pix {
		maxVal = max(maxVal, v)
	}
	scale := float32(1)
	if maxVal > 0 {
		scale = 0.5 / maxVal
	}
	for i, v := range ref.Pix {
		out.Pix[i] = v * scale
	}

	minTS, maxTS := math.MaxInt32, math.MinInt32
	for i := 0; i < pos.Count; i++ {
		minTS = min(minTS, pos.TileSize[i])
		maxTS = max(maxTS, pos.TileSize[i])
	}

	for i := 0; i < pos.Count; i++ {
		cx, cy, ts := pos.X[i], pos.Y[i], pos.TileSize[i]
		brightness := float32(1)
		if maxTS > minTS {
			brightness = 1 - float32(ts-minTS)/float32(maxTS-minTS)
		}
		brightness = 0.6 + brightness*0.4
		drawRect(out, cx-ts/2, cy-ts/2, ts, ts, brightness)
		drawCross(out, cx, cy, 3, 1)
	}
	return out
}

func drawRect(img *mono.Image, x, y, w, h int, value float32) {
	for dx := 0; dx < w; dx++ {
		px := x + dx
		if px < 0 || px >= img.Width {
			continue
		}
		if y >= 0 && y < img.Height {
			img.Set(px, y, value)
		}
		if py := y + h - 1; py >= 0 && py < img.Height {
			img.Set(px, py, value)
		}
	}
	for dy := 0; dy < h; dy++ {
		py := y + dy
		if py < 0 || py >= img.Height {
			continue
		}
		if x >= 0 && x < img.Width {
			img.Set(x, py, value)
		}
		if px := x + w - 1; px >= 0 && px < img.Width {
			img.Set(px, py, value)
		}
	}
}

func drawCross(img *mono.Image, cx, cy, size int, value float32) {
	for d := -size; d <= size; d++ {
		if px := cx + d; px >= 0 && px < img.Width && cy >= 0 && cy < img.Height {
			img.Set(px, cy, value)
		}
		if py := cy + d; py >= 0 && py < img.Height && cx >= 0 && cx < img.Width {
			img.Set(cx, py, value)
		}
	}
}
