// Package sampling selects the tile positions measured during registration,
// either on a regular grid or at gradient interest points. Both strategies
// gate tiles on a minimum mean signal so empty background never produces
// samples.
package sampling

import "dedistort/internal/mono"

// Positions is the outcome of sample selection. X and Y hold tile centers in
// pixels, TileSize the correlation window chosen per sample; all three are
// sized Count.
type Positions struct {
	X        []int
	Y        []int
	TileSize []int
	Count    int
}

// Uniform builds Positions where every sample shares one tile size.
func Uniform(x, y []int, tileSize, count int) Positions {
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = tileSize
	}
	return Positions{X: x, Y: y, TileSize: sizes, Count: count}
}

// Strategy decides where registration tiles are placed on the reference
// image.
type Strategy interface {
	// SelectPositions returns tile centers for the reference image.
	// signalThreshold is the minimum mean tile brightness for a sample
	// to qualify.
	SelectPositions(ref *mono.Image, tileSize int, signalThreshold float64) Positions

	// OutputGridStep is the pixel stride of the regular grid that sparse
	// measurements are resampled onto for warping.
	OutputGridStep(tileSize int, sampling float64) int

	// Name identifies the strategy in logs.
	Name() string
}
