package mono

import (
	"math"
	"testing"
)

type constantField struct {
	dx, dy float64
}

func (f constantField) DisplacementAt(x, y float64) (float64, float64) {
	return f.dx, f.dy
}

func TestWarpZeroFieldReproducesInput(t *testing.T) {
	src := patternImage(17, 11)
	out := Warp(src, constantField{}, Bilinear)
	for i := range src.Pix {
		if out.Pix[i] != src.Pix[i] {
			t.Fatalf("pixel %d changed: got %v, want %v", i, out.Pix[i], src.Pix[i])
		}
	}
}

func TestWarpIntegerShift(t *testing.T) {
	src := patternImage(10, 8)
	out := Warp(src, constantField{dx: 2, dy: 1}, Bilinear)
	for y := 0; y < 8; y++ {
		for x := 0; x < 10; x++ {
			var want float32
			if x+2 < 10 && y+1 < 8 {
				want = src.At(x+2, y+1)
			}
			if got := out.At(x, y); got != want {
				t.Fatalf("out(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestWarpZeroFillsOutsideSource(t *testing.T) {
	src := New(6, 6)
	for i := range src.Pix {
		src.Pix[i] = 1000
	}
	out := Warp(src, constantField{dx: -5}, Bilinear)
	if got := out.At(1, 3); got != 0 {
		t.Fatalf("out-of-bounds sample = %v, want 0", got)
	}
	if got := out.At(5, 3); got != 1000 {
		t.Fatalf("in-bounds sample = %v, want 1000", got)
	}
}

func TestWarpBilinearHalfPixel(t *testing.T) {
	src := New(8, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, float32(10*x))
		}
	}
	out := Warp(src, constantField{dx: 0.5}, Bilinear)
	for x := 0; x < 7; x++ {
		want := float64(10*x) + 5
		if got := out.At(x, 1); math.Abs(float64(got)-want) > 1e-4 {
			t.Fatalf("out(%d,1) = %v, want %v", x, got, want)
		}
	}
	if got := out.At(7, 1); got != 0 {
		t.Fatalf("edge pixel = %v, want 0 (source falls outside)", got)
	}
}

func TestWarpLanczosPreservesConstantInterior(t *testing.T) {
	src := New(16, 16)
	for i := range src.Pix {
		src.Pix[i] = 500
	}
	out := Warp(src, constantField{dx: 0.3, dy: 0.7}, Lanczos)
	for y := 4; y < 12; y++ {
		for x := 4; x < 12; x++ {
			if got := out.At(x, y); math.Abs(float64(got)-500) > 1e-2 {
				t.Fatalf("out(%d,%d) = %v, want 500", x, y, got)
			}
		}
	}
}

func TestWarpLanczosStaysInRange(t *testing.T) {
	src := New(16, 16)
	// A harsh step tempts Lanczos into overshoot on both sides.
	for y := 0; y < 16; y++ {
		for x := 8; x < 16; x++ {
			src.Set(x, y, MaxValue)
		}
	}
	out := Warp(src, constantField{dx: 0.5, dy: 0.5}, Lanczos)
	for i, v := range out.Pix {
		if v < 0 || v > MaxValue {
			t.Fatalf("pixel %d out of range: %v", i, v)
		}
	}
}
