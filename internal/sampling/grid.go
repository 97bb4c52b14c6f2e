package sampling

import (
	"fmt"
	"math"

	"dedistort/internal/mono"
)

// MinGridStep is the smallest stride between grid samples regardless of the
// sampling factor.
const MinGridStep = 8

// GridStrategy places samples at fixed intervals across the whole image.
// The stride is tileSize*sampling, floored at MinGridStep.
type GridStrategy struct {
	sampling float64
}

// NewGridStrategy returns a grid strategy with the given density factor,
// e.g. 0.5 places a sample every half tile.
func NewGridStrategy(sampling float64) *GridStrategy {
	return &GridStrategy{sampling: sampling}
}

func (g *GridStrategy) SelectPositions(ref *mono.Image, tileSize int, signalThreshold float64) Positions {
	increment := g.OutputGridStep(tileSize, g.sampling)
	maxX := ref.Width - tileSize
	maxY := ref.Height - tileSize
	offset := tileSize / 2

	integral := mono.NewIntegral(ref)

	var xs, ys []int
	for y := 0; y <= maxY; y += increment {
		for x := 0; x <= maxX; x += increment {
			if integral.AreaAverage(x, y, tileSize, tileSize) > signalThreshold {
				xs = append(xs, x+offset)
				ys = append(ys, y+offset)
			}
		}
	}
	return Uniform(xs, ys, tileSize, len(xs))
}

func (g *GridStrategy) OutputGridStep(tileSize int, sampling float64) int {
	return int(math.Max(MinGridStep, float64(tileSize)*sampling))
}

func (g *GridStrategy) Name() string {
	return fmt.Sprintf("Grid (sampling=%v)", g.sampling)
}
