package distortion

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

// fillConstant writes the same displacement into every grid cell and marks
// them all sampled.
func fillConstant(m *Map, dx, dy float64) {
	for i := range m.dx {
		m.dx[i] = dx
		m.dy[i] = dy
		m.sampled[i] = true
	}
}

func TestRecordDisplacementTargetsOneCell(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	if m.GridCols() != 9 || m.GridRows() != 8 {
		t.Fatalf("grid = %dx%d, want 9x8", m.GridCols(), m.GridRows())
	}

	m.RecordDisplacement(48, 48, 1.5, -2.5)
	dx, dy := m.Cell(2, 2)
	if dx != 1.5 || dy != -2.5 {
		t.Fatalf("cell (2,2) = (%v, %v), want (1.5, -2.5)", dx, dy)
	}
	if !m.IsSampled(2, 2) {
		t.Fatalf("cell (2,2) not marked sampled")
	}
	if m.IsSampled(0, 0) {
		t.Fatalf("cell (0,0) unexpectedly sampled")
	}

	// Coordinates mapping outside the grid are ignored, not stored.
	m.RecordDisplacement(10000, 10000, 9, 9)
	m.RecordDisplacement(-50, -50, 9, 9)
}

func TestDisplacementAtConstantField(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	fillConstant(m, 3, -1)

	dx, dy := m.DisplacementAt(40, 33.7)
	if math.Abs(dx-3) > 1e-9 || math.Abs(dy+1) > 1e-9 {
		t.Fatalf("interior = (%v, %v), want (3, -1)", dx, dy)
	}
}

func TestDisplacementAtBoundaryIsZero(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	fillConstant(m, 3, -1)

	cases := []struct {
		name   string
		px, py float64
	}{
		{"negative x", -0.1, 10},
		{"negative y", 10, -0.1},
		{"past last column", float64((m.GridCols() - 1) * m.Step()), 10},
		{"past last row", 10, float64((m.GridRows() - 1) * m.Step())},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dx, dy := m.DisplacementAt(c.px, c.py)
			if dx != 0 || dy != 0 {
				t.Fatalf("boundary displacement = (%v, %v), want (0, 0)", dx, dy)
			}
		})
	}
}

func TestDisplacementAtLinearRamp(t *testing.T) {
	m := NewMap(200, 100, 32, 16)
	for gy := 0; gy < m.GridRows(); gy++ {
		for gx := 0; gx < m.GridCols(); gx++ {
			i := gy*m.cols + gx
			m.dx[i] = 2 * float64(gx)
			m.sampled[i] = true
		}
	}

	// The Catmull-Rom kernel reproduces linear ramps up to the weight
	// table quantization.
	dx, _ := m.DisplacementAt(40, 40)
	if math.Abs(dx-5) > 0.02 {
		t.Fatalf("ramp value at gx=2.5: got %v, want 5 +- 0.02", dx)
	}
}

func TestNegateAndAverageIdentities(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	for i := range m.dx {
		m.dx[i] = float64(i%7) - 3
		m.dy[i] = float64(i%5) - 2
		m.sampled[i] = true
	}

	neg := m.Negate()
	for i := range m.dx {
		if neg.dx[i] != -m.dx[i] || neg.dy[i] != -m.dy[i] {
			t.Fatalf("negate cell %d = (%v, %v), want (%v, %v)", i, neg.dx[i], neg.dy[i], -m.dx[i], -m.dy[i])
		}
	}

	avg, err := Average([]*Map{m, neg})
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	for i := range avg.dx {
		if avg.dx[i] != 0 || avg.dy[i] != 0 {
			t.Fatalf("average of map and its negation is nonzero at %d: (%v, %v)", i, avg.dx[i], avg.dy[i])
		}
	}

	self, err := Average([]*Map{m})
	if err != nil {
		t.Fatalf("Average single: %v", err)
	}
	for i := range self.dx {
		if self.dx[i] != m.dx[i] || self.dy[i] != m.dy[i] {
			t.Fatalf("average of one map differs at %d", i)
		}
	}
}

func TestAverageRejectsMismatchedShapes(t *testing.T) {
	a := NewMap(100, 80, 32, 16)
	b := NewMap(100, 80, 32, 8)
	if _, err := Average([]*Map{a, b}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
	if _, err := Average(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestSynthesizeSumsConstantFields(t *testing.T) {
	a := NewMap(100, 80, 32, 16)
	fillConstant(a, 1, 2)
	b := NewMap(100, 80, 32, 16)
	fillConstant(b, 3, -1)

	out, err := Synthesize([]*Map{a, b}, 100, 80)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Step() != 16 || out.TileSize() != 32 {
		t.Fatalf("synthesized geometry step=%d tile=%d, want 16/32", out.Step(), out.TileSize())
	}

	// Interior cells see both fields at full strength; margin cells fall
	// outside the inputs' interpolation domain and contribute zero there.
	for gy := 0; gy < 6; gy++ {
		for gx := 0; gx < 6; gx++ {
			dx, dy := out.Cell(gx, gy)
			if math.Abs(dx-4) > 1e-9 || math.Abs(dy-1) > 1e-9 {
				t.Fatalf("cell (%d,%d) = (%v, %v), want (4, 1)", gx, gy, dx, dy)
			}
		}
	}
}

func TestSynthesizePicksFinestGrid(t *testing.T) {
	coarse := NewMap(100, 80, 64, 32)
	fine := NewMap(100, 80, 16, 8)

	out, err := Synthesize([]*Map{coarse, fine}, 100, 80)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Step() != 8 || out.TileSize() != 16 {
		t.Fatalf("synthesized geometry step=%d tile=%d, want 8/16", out.Step(), out.TileSize())
	}
}

func TestTotalDistortionMemoized(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	fillConstant(m, 3, 4)

	want := 5 * float64(m.GridCols()*m.GridRows())
	if got := m.TotalDistortion(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("TotalDistortion = %v, want %v", got, want)
	}

	// Mutations after the first call are not observed.
	m.dx[0] = 1000
	if got := m.TotalDistortion(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("TotalDistortion changed after memoization: %v", got)
	}
}

func TestTileErrorsCached(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	fillConstant(m, 2, 2)

	g := m.TileErrors(32)
	if g.Cols != 5 || g.Rows != 4 {
		t.Fatalf("tile error grid = %dx%d, want 5x4", g.Cols, g.Rows)
	}
	for i, v := range g.RMS {
		if v != 0 {
			t.Fatalf("constant field has nonzero block RMS at %d: %v", i, v)
		}
	}
	if again := m.TileErrors(32); again != g {
		t.Fatalf("TileErrors recomputed instead of cached")
	}
}

func TestMapSerializationRoundTripIsBitExact(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	for i := range m.dx {
		m.dx[i] = float64(i)*0.25 - 3
		m.dy[i] = float64(i)*-0.5 + 1
	}

	blob, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	loaded, err := UnmarshalMap(blob)
	if err != nil {
		t.Fatalf("UnmarshalMap: %v", err)
	}
	if loaded.Step() != 16 || loaded.TileSize() != 32 || loaded.GridCols() != m.GridCols() || loaded.GridRows() != m.GridRows() {
		t.Fatalf("geometry mismatch after round trip")
	}

	again, err := loaded.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary after load: %v", err)
	}
	if !bytes.Equal(blob, again) {
		t.Fatalf("round trip is not bit exact")
	}
}

func TestUnmarshalMapRejectsBadInput(t *testing.T) {
	m := NewMap(100, 80, 32, 16)
	blob, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	t.Run("unsupported version", func(t *testing.T) {
		bad := bytes.Clone(blob)
		bad[0] = 99
		if _, err := UnmarshalMap(bad); !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("got %v, want ErrUnsupportedVersion", err)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, err := UnmarshalMap(blob[:len(blob)-8]); err == nil {
			t.Fatalf("expected error for truncated blob")
		}
	})
	t.Run("short header", func(t *testing.T) {
		if _, err := UnmarshalMap(blob[:10]); err == nil {
			t.Fatalf("expected error for short header")
		}
	})
}
