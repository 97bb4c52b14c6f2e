package sampling

import "dedistort/internal/mono"

// SignalEvaluator gates tile positions on mean brightness so registration
// never correlates empty background. The reference side is always checked;
// a target image is optional and when present the tile must clear the
// threshold on both sides.
type SignalEvaluator struct {
	ref       *mono.Integral
	target    *mono.Integral
	threshold float64
}

// NewSignalEvaluator builds the integral images once for repeated tile
// queries. target may be nil when only the reference is known.
func NewSignalEvaluator(ref, target *mono.Image, threshold float64) *SignalEvaluator {
	e := &SignalEvaluator{ref: mono.NewIntegral(ref), threshold: threshold}
	if target != nil {
		e.target = mono.NewIntegral(target)
	}
	return e
}

// PassesThreshold reports whether the tile with top-left corner (x, y) has a
// mean value strictly above the threshold on every available image.
func (e *SignalEvaluator) PassesThreshold(x, y, tileSize int) bool {
	if e.ref.AreaAverage(x, y, tileSize, tileSize) <= e.threshold {
		return false
	}
	if e.target == nil {
		return true
	}
	return e.target.AreaAverage(x, y, tileSize, tileSize) > e.threshold
}
