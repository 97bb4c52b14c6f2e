// Package distortion implements dense and sparse displacement fields: the
// regular-grid Map produced by tile registration, ordered correction Chains,
// the scattered-sample SparseField, the grid filter-and-smooth pass and
// turbulence-scale estimation.
package distortion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// catmullA is the Catmull-Rom tension of the bicubic field interpolation.
const catmullA = -0.5

// lutSteps is the number of quantized fractional positions in the bicubic
// weight table. Direct evaluation and the table agree within the 1/255
// quantization step.
const lutSteps = 256

var bicubicLUT [lutSteps * 4]float64

func init() {
	for i := 0; i < lutSteps; i++ {
		f := float64(i) / 255
		for tap := 0; tap < 4; tap++ {
			bicubicLUT[i*4+tap] = cubicWeight(math.Abs(f - float64(tap-1)))
		}
	}
}

func cubicWeight(t float64) float64 {
	if t <= 1 {
		return (catmullA+2)*t*t*t - (catmullA+3)*t*t + 1
	}
	if t < 2 {
		return catmullA*t*t*t - 5*catmullA*t*t + 8*catmullA*t - 4*catmullA
	}
	return 0
}

// Map is a dense regular-grid displacement field. Grid dimensions are fixed
// at construction; cell (gx, gy) lives at index gy*cols+gx in the flat dx/dy
// buffers. Writes to distinct cells are safe from concurrent goroutines, the
// map itself takes no locks on the write path.
type Map struct {
	width    int
	height   int
	tileSize int
	step     int
	cols     int
	rows     int

	dx      []float64
	dy      []float64
	sampled []bool

	totalOnce sync.Once
	total     float64

	tileErrMu sync.Mutex
	tileErrs  map[int]*TileErrorGrid
}

// NewMap allocates a zero displacement field covering an image of the given
// size. The grid is oversized by one tile so displacements recorded near the
// right and bottom edges always land inside it.
func NewMap(width, height, tileSize, step int) *Map {
	cols := (width+tileSize)/step + 1
	rows := (height+tileSize)/step + 1
	return &Map{
		width:    width,
		height:   height,
		tileSize: tileSize,
		step:     step,
		cols:     cols,
		rows:     rows,
		dx:       make([]float64, cols*rows),
		dy:       make([]float64, cols*rows),
		sampled:  make([]bool, cols*rows),
		tileErrs: map[int]*TileErrorGrid{},
	}
}

// Width returns the covered image width.
func (m *Map) Width() int { return m.width }

// Height returns the covered image height.
func (m *Map) Height() int { return m.height }

// TileSize returns the registration window size that produced the samples.
func (m *Map) TileSize() int { return m.tileSize }

// Step returns the pixel stride between grid samples.
func (m *Map) Step() int { return m.step }

// GridCols returns the number of grid columns.
func (m *Map) GridCols() int { return m.cols }

// GridRows returns the number of grid rows.
func (m *Map) GridRows() int { return m.rows }

// Cell returns the raw displacement stored at grid cell (gx, gy).
func (m *Map) Cell(gx, gy int) (dx, dy float64) {
	i := gy*m.cols + gx
	return m.dx[i], m.dy[i]
}

// IsSampled reports whether grid cell (gx, gy) received a recorded sample.
func (m *Map) IsSampled(gx, gy int) bool {
	return m.sampled[gy*m.cols+gx]
}

// RecordDisplacement stores the displacement measured for the tile centered
// at pixel (x, y). The target cell is ((x-tileSize/2)/step,
// (y-tileSize/2)/step); coordinates mapping outside the grid are ignored.
func (m *Map) RecordDisplacement(x, y int, dx, dy float64) {
	cx := (x - m.tileSize/2) / m.step
	cy := (y - m.tileSize/2) / m.step
	if cx < 0 || cy < 0 || cx >= m.cols || cy >= m.rows {
		return
	}
	i := cy*m.cols + cx
	m.dx[i] = dx
	m.dy[i] = dy
	m.sampled[i] = true
}

// DisplacementAt interpolates the field at pixel position (px, py) with the
// bicubic kernel. Positions whose grid coordinates fall outside
// [0, cols-1) x [0, rows-1) return exactly (0, 0), so the field fades to
// identity at the image boundary.
func (m *Map) DisplacementAt(px, py float64) (dx, dy float64) {
	gx := px / float64(m.step)
	gy := py / float64(m.step)
	if gx < 0 || gy < 0 || gx >= float64(m.cols-1) || gy >= float64(m.rows-1) {
		return 0, 0
	}
	return m.interpolate(m.dx, gx, gy), m.interpolate(m.dy, gx, gy)
}

func (m *Map) interpolate(grid []float64, gx, gy float64) float64 {
	x0 := int(gx)
	y0 := int(gy)
	ix := int((gx - float64(x0)) * 255)
	iy := int((gy - float64(y0)) * 255)

	var sum float64
	for j := 0; j < 4; j++ {
		yTap := clampInt(y0-1+j, 0, m.rows-1)
		wy := bicubicLUT[iy*4+j]
		row := yTap * m.cols
		for i := 0; i < 4; i++ {
			xTap := clampInt(x0-1+i, 0, m.cols-1)
			sum += wy * bicubicLUT[ix*4+i] * grid[row+xTap]
		}
	}
	return sum
}

// TotalDistortion is the sum of per-cell displacement magnitudes. It is
// computed once on first call and memoized, so call it only after the map is
// fully built and filtered.
func (m *Map) TotalDistortion() float64 {
	m.totalOnce.Do(func() {
		var total float64
		for i := range m.dx {
			total += math.Sqrt(m.dx[i]*m.dx[i] + m.dy[i]*m.dy[i])
		}
		m.total = total
	})
	return m.total
}

// Negate returns a new map with every displacement inverted. The sampled
// mask carries over.
func (m *Map) Negate() *Map {
	n := NewMap(m.width, m.height, m.tileSize, m.step)
	copy(n.dx, m.dx)
	copy(n.dy, m.dy)
	floats.Scale(-1, n.dx)
	floats.Scale(-1, n.dy)
	copy(n.sampled, m.sampled)
	return n
}

// Average returns the pointwise mean of same-shaped maps. A result cell is
// sampled only when every input sampled it.
func Average(maps []*Map) (*Map, error) {
	if len(maps) == 0 {
		return nil, errors.New("distortion: no maps to average")
	}
	first := maps[0]
	for _, m := range maps[1:] {
		if m.cols != first.cols || m.rows != first.rows || m.step != first.step || m.tileSize != first.tileSize {
			return nil, fmt.Errorf("distortion: mismatched map shapes %dx%d/%d vs %dx%d/%d",
				m.cols, m.rows, m.step, first.cols, first.rows, first.step)
		}
	}

	out := NewMap(first.width, first.height, first.tileSize, first.step)
	for i := range out.sampled {
		out.sampled[i] = true
	}
	for _, m := range maps {
		floats.Add(out.dx, m.dx)
		floats.Add(out.dy, m.dy)
		for i, s := range m.sampled {
			out.sampled[i] = out.sampled[i] && s
		}
	}
	scale := 1 / float64(len(maps))
	floats.Scale(scale, out.dx)
	floats.Scale(scale, out.dy)
	return out, nil
}

// Synthesize merges multi-level maps into one field on the finest grid: each
// input is resampled through its own interpolation at every cell center of
// the finest grid and the contributions are summed.
func Synthesize(maps []*Map, width, height int) (*Map, error) {
	if len(maps) == 0 {
		return nil, errors.New("distortion: no maps to synthesize")
	}
	finest := maps[0]
	for _, m := range maps[1:] {
		if m.step < finest.step {
			finest = m
		}
	}

	out := NewMap(width, height, finest.tileSize, finest.step)
	half := finest.tileSize / 2
	for gy := 0; gy < out.rows; gy++ {
		py := float64(gy*finest.step + half)
		for gx := 0; gx < out.cols; gx++ {
			px := float64(gx*finest.step + half)
			var sumDx, sumDy float64
			for _, m := range maps {
				dx, dy := m.DisplacementAt(px, py)
				sumDx += dx
				sumDy += dy
			}
			i := gy*out.cols + gx
			out.dx[i] = sumDx
			out.dy[i] = sumDy
			out.sampled[i] = true
		}
	}
	return out, nil
}

// TileErrorGrid holds per-block RMS deviation of the field from the block
// mean, one value per tile-sized block of grid cells.
type TileErrorGrid struct {
	Cols int
	Rows int
	RMS  []float64
}

// TileErrors computes the tile-error grid for the given tile size. The
// result is cached per tile size and computed at most once per map; callers
// requesting the same size concurrently block until the first computation
// finishes.
func (m *Map) TileErrors(tileSize int) *TileErrorGrid {
	m.tileErrMu.Lock()
	defer m.tileErrMu.Unlock()
	if g, ok := m.tileErrs[tileSize]; ok {
		return g
	}
	g := m.computeTileErrors(tileSize)
	m.tileErrs[tileSize] = g
	return g
}

func (m *Map) computeTileErrors(tileSize int) *TileErrorGrid {
	blockCells := tileSize / m.step
	if blockCells < 1 {
		blockCells = 1
	}
	bx := (m.cols + blockCells - 1) / blockCells
	by := (m.rows + blockCells - 1) / blockCells
	rms := make([]float64, bx*by)

	for byi := 0; byi < by; byi++ {
		for bxi := 0; bxi < bx; bxi++ {
			var meanDx, meanDy float64
			count := 0
			for cy := byi * blockCells; cy < min((byi+1)*blockCells, m.rows); cy++ {
				for cx := bxi * blockCells; cx < min((bxi+1)*blockCells, m.cols); cx++ {
					i := cy*m.cols + cx
					meanDx += m.dx[i]
					meanDy += m.dy[i]
					count++
				}
			}
			if count == 0 {
				continue
			}
			meanDx /= float64(count)
			meanDy /= float64(count)

			var sq float64
			for cy := byi * blockCells; cy < min((byi+1)*blockCells, m.rows); cy++ {
				for cx := bxi * blockCells; cx < min((bxi+1)*blockCells, m.cols); cx++ {
					i := cy*m.cols + cx
					ddx := m.dx[i] - meanDx
					ddy := m.dy[i] - meanDy
					sq += ddx*ddx + ddy*ddy
				}
			}
			rms[byi*bx+bxi] = math.Sqrt(sq / float64(count))
		}
	}
	return &TileErrorGrid{Cols: bx, Rows: by, RMS: rms}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
