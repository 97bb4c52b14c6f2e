package distortion

import (
	"math"
	"sync"

	"dedistort/internal/spatial"
)

// InterpolationMethod selects how a SparseField blends its k nearest
// samples when queried.
type InterpolationMethod int

const (
	// IDW is inverse-distance weighting, weight = 1/distance^power. Fast
	// but prone to bull's-eye artifacts.
	IDW InterpolationMethod = iota
	// RBFGaussian is a Gaussian radial basis, phi(r) = exp(-(eps*r)^2).
	// The default.
	RBFGaussian
	// RBFThinPlate is a thin-plate spline basis, phi(r) = r^2*log(r).
	RBFThinPlate
)

const (
	defaultNeighborsK   = 8
	defaultRBFEpsilon   = 0.01
	defaultIDWPower     = 2.0
	defaultBaseTileSize = 64
)

// Sample is one scattered displacement measurement.
type Sample struct {
	X, Y       float64
	Dx, Dy     float64
	TileSize   int
	Confidence float64
}

// SparseField stores displacement samples at arbitrary positions and
// interpolates between them with a k-nearest-neighbor radial basis blend.
// Each neighbor's weight is scaled by its measurement confidence, so weak
// correlations pull less on the field. It is immutable after Build.
type SparseField struct {
	samples []Sample
	index   *spatial.Index

	width  int
	height int

	neighborsK    int
	rbfEpsilon    float64
	idwPower      float64
	method        InterpolationMethod
	baseTileSize  int
	tileWeighting bool

	totalOnce sync.Once
	total     float64
}

// Width returns the covered image width.
func (f *SparseField) Width() int { return f.width }

// Height returns the covered image height.
func (f *SparseField) Height() int { return f.height }

// SampleCount returns the number of stored samples.
func (f *SparseField) SampleCount() int { return len(f.samples) }

// Sample returns the i-th stored sample.
func (f *SparseField) Sample(i int) Sample { return f.samples[i] }

// TotalDistortion is the sum of sample displacement magnitudes, memoized.
func (f *SparseField) TotalDistortion() float64 {
	f.totalOnce.Do(func() {
		var total float64
		for _, s := range f.samples {
			total += math.Hypot(s.Dx, s.Dy)
		}
		f.total = total
	})
	return f.total
}

// DisplacementAt interpolates the field at (px, py). An empty field returns
// (0, 0). The method satisfies the warp displacement-field contract, so a
// sparse field can drive a warp directly.
func (f *SparseField) DisplacementAt(px, py float64) (dx, dy float64) {
	if len(f.samples) == 0 {
		return 0, 0
	}
	neighbors := f.index.NearestK(px, py, f.neighborsK)
	if len(neighbors) == 0 {
		return 0, 0
	}
	switch f.method {
	case IDW:
		return f.interpolateIDW(px, py, neighbors)
	case RBFThinPlate:
		return f.interpolateThinPlate(px, py, neighbors)
	default:
		return f.interpolateGaussian(px, py, neighbors)
	}
}

func (f *SparseField) interpolateIDW(px, py float64, neighbors []spatial.Point) (float64, float64) {
	var weightSum, sumDx, sumDy float64
	for _, nb := range neighbors {
		s := f.samples[nb.ID]
		dx := px - s.X
		dy := py - s.Y
		distSq := dx*dx + dy*dy
		if distSq < 1e-10 {
			return s.Dx, s.Dy
		}
		w := s.Confidence / math.Pow(math.Sqrt(distSq), f.idwPower)
		weightSum += w
		sumDx += w * s.Dx
		sumDy += w * s.Dy
	}
	if weightSum < 1e-10 {
		return 0, 0
	}
	return sumDx / weightSum, sumDy / weightSum
}

func (f *SparseField) interpolateGaussian(px, py float64, neighbors []spatial.Point) (float64, float64) {
	var weightSum, sumDx, sumDy float64
	for _, nb := range neighbors {
		s := f.samples[nb.ID]
		dx := px - s.X
		dy := py - s.Y
		distSq := dx*dx + dy*dy

		eps := f.rbfEpsilon
		if f.tileWeighting {
			// Larger tiles spread their influence proportionally wider.
			eps = f.rbfEpsilon * float64(f.baseTileSize) / float64(s.TileSize)
		}
		phi := s.Confidence * math.Exp(-eps*eps*distSq)
		weightSum += phi
		sumDx += phi * s.Dx
		sumDy += phi * s.Dy
	}
	if weightSum < 1e-10 {
		return 0, 0
	}
	return sumDx / weightSum, sumDy / weightSum
}

func (f *SparseField) interpolateThinPlate(px, py float64, neighbors []spatial.Point) (float64, float64) {
	var weightSum, sumDx, sumDy float64
	for _, nb := range neighbors {
		s := f.samples[nb.ID]
		dx := px - s.X
		dy := py - s.Y
		distSq := dx*dx + dy*dy
		if distSq < 1e-10 {
			return s.Dx, s.Dy
		}
		phi := distSq * math.Log(math.Sqrt(distSq))
		w := s.Confidence / (1 + math.Abs(phi))
		if f.tileWeighting {
			ratio := float64(s.TileSize) / float64(f.baseTileSize)
			w *= ratio * ratio
		}
		weightSum += w
		sumDx += w * s.Dx
		sumDy += w * s.Dy
	}
	if weightSum < 1e-10 {
		return 0, 0
	}
	return sumDx / weightSum, sumDy / weightSum
}

// ToRegularGrid samples the field on a regular grid with the given step and
// returns a dense map (tile size = step) after a filter-and-smooth pass,
// which is the form the warp kernels expect.
func (f *SparseField) ToRegularGrid(step int) *Map {
	m := NewMap(f.width, f.height, step, step)
	halfStep := step / 2
	for gy := 0; gy < m.rows; gy++ {
		py := gy * step
		for gx := 0; gx < m.cols; gx++ {
			px := gx * step
			dx, dy := f.DisplacementAt(float64(px), float64(py))
			m.RecordDisplacement(px+halfStep, py+halfStep, dx, dy)
		}
	}
	m.FilterAndSmooth()
	return m
}

// SparseFieldBuilder accumulates samples before the immutable field and its
// spatial index are built.
type SparseFieldBuilder struct {
	width  int
	height int

	samples []Sample

	neighborsK    int
	rbfEpsilon    float64
	idwPower      float64
	method        InterpolationMethod
	baseTileSize  int
	tileWeighting bool
}

// NewSparseFieldBuilder creates a builder for an image of the given size.
func NewSparseFieldBuilder(width, height int) *SparseFieldBuilder {
	return &SparseFieldBuilder{
		width:        width,
		height:       height,
		neighborsK:   defaultNeighborsK,
		rbfEpsilon:   defaultRBFEpsilon,
		idwPower:     defaultIDWPower,
		method:       RBFGaussian,
		baseTileSize: defaultBaseTileSize,
	}
}

// AddSample records a displacement measurement at (x, y).
func (b *SparseFieldBuilder) AddSample(x, y, dx, dy float64, tileSize int, confidence float64) *SparseFieldBuilder {
	b.samples = append(b.samples, Sample{
		X: x, Y: y, Dx: dx, Dy: dy,
		TileSize: tileSize, Confidence: confidence,
	})
	return b
}

// NeighborsK sets how many nearest samples a query blends.
func (b *SparseFieldBuilder) NeighborsK(k int) *SparseFieldBuilder {
	b.neighborsK = k
	return b
}

// RBFEpsilon sets the Gaussian basis shape parameter.
func (b *SparseFieldBuilder) RBFEpsilon(eps float64) *SparseFieldBuilder {
	b.rbfEpsilon = eps
	return b
}

// IDWPower sets the inverse-distance weighting exponent.
func (b *SparseFieldBuilder) IDWPower(power float64) *SparseFieldBuilder {
	b.idwPower = power
	return b
}

// Method sets the interpolation method.
func (b *SparseFieldBuilder) Method(m InterpolationMethod) *SparseFieldBuilder {
	b.method = m
	return b
}

// BaseTileSize sets the reference tile size for tile weighting.
func (b *SparseFieldBuilder) BaseTileSize(ts int) *SparseFieldBuilder {
	b.baseTileSize = ts
	return b
}

// TileWeighting widens the influence of samples from larger tiles.
func (b *SparseFieldBuilder) TileWeighting(enabled bool) *SparseFieldBuilder {
	b.tileWeighting = enabled
	return b
}

// Build freezes the samples into a field with its spatial index.
func (b *SparseFieldBuilder) Build() *SparseField {
	samples := make([]Sample, len(b.samples))
	copy(samples, b.samples)

	points := make([]spatial.Point, len(samples))
	for i, s := range samples {
		points[i] = spatial.Point{X: s.X, Y: s.Y, ID: i}
	}

	return &SparseField{
		samples:       samples,
		index:         spatial.NewIndex(points),
		width:         b.width,
		height:        b.height,
		neighborsK:    b.neighborsK,
		rbfEpsilon:    b.rbfEpsilon,
		idwPower:      b.idwPower,
		method:        b.method,
		baseTileSize:  b.baseTileSize,
		tileWeighting: b.tileWeighting,
	}
}
