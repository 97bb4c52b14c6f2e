package tiles

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"dedistort/internal/device"
	"dedistort/internal/mono"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testImage builds a textured image whose left columns are dark, so signal
// gating has something to reject without sitting near the threshold.
func testImage(width, height, darkCols int, seed float32) *mono.Image {
	img := mono.New(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < darkCols {
				continue
			}
			v := 1000 + 500*float32(math.Sin(float64(x)*0.37+float64(seed))) +
				300*float32(math.Cos(float64(y)*0.53))
			img.Set(x, y, v)
		}
	}
	return img
}

func TestCPUExtractGatesDarkTiles(t *testing.T) {
	ref := testImage(128, 128, 64, 1)
	tgt := testImage(128, 128, 64, 2)
	req := Request{Ref: ref, Target: tgt, TileSize: 32, Increment: 16, Threshold: 100}

	batch, err := CPUBackend{}.Extract(req)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if batch.Len() == 0 {
		t.Fatalf("expected surviving tiles on the bright side")
	}
	for i, x := range batch.X {
		if x < 32 {
			t.Fatalf("tile %d at x=%d overlaps the dark region and should have been gated", i, x)
		}
	}
	for _, tile := range batch.RefTiles {
		if len(tile) != 32*32 {
			t.Fatalf("expected 1024-element tiles, got %d", len(tile))
		}
	}
}

func TestDeviceMatchesCPU(t *testing.T) {
	ctx, err := device.Open(testLogger())
	if err != nil {
		t.Fatalf("device open failed: %v", err)
	}
	ref := testImage(160, 160, 48, 3)
	tgt := testImage(160, 160, 48, 4)
	req := Request{Ref: ref, Target: tgt, TileSize: 32, Increment: 8, Threshold: 100}

	cpuBatch, err := CPUBackend{}.Extract(req)
	if err != nil {
		t.Fatalf("cpu extract failed: %v", err)
	}
	devBatch, err := NewDeviceBackend(ctx).Extract(req)
	if err != nil {
		t.Fatalf("device extract failed: %v", err)
	}

	if devBatch.Len() != cpuBatch.Len() {
		t.Fatalf("device kept %d tiles, cpu kept %d", devBatch.Len(), cpuBatch.Len())
	}
	for i := range cpuBatch.RefTiles {
		if devBatch.X[i] != cpuBatch.X[i] || devBatch.Y[i] != cpuBatch.Y[i] {
			t.Fatalf("tile %d position mismatch: device (%d,%d) cpu (%d,%d)",
				i, devBatch.X[i], devBatch.Y[i], cpuBatch.X[i], cpuBatch.Y[i])
		}
		for j := range cpuBatch.RefTiles[i] {
			assertClose(t, devBatch.RefTiles[i][j], cpuBatch.RefTiles[i][j])
			assertClose(t, devBatch.TargetTiles[i][j], cpuBatch.TargetTiles[i][j])
		}
	}
}

func assertClose(t *testing.T, got, want float32) {
	t.Helper()
	diff := math.Abs(float64(got - want))
	scale := math.Max(1, math.Abs(float64(want)))
	if diff/scale > 1e-4 {
		t.Fatalf("value mismatch: got %v, want %v", got, want)
	}
}

func TestUseDeviceRouting(t *testing.T) {
	big := device.Capabilities{MaxWorkGroupSize: 1024}
	small := device.Capabilities{MaxWorkGroupSize: 256}

	cases := []struct {
		name       string
		caps       device.Capabilities
		tileSize   int
		candidates int
		want       bool
	}{
		{"below threshold", big, 32, 999, false},
		{"at threshold", big, 32, 1000, true},
		{"small workgroup 32", small, 32, 5000, false},
		{"small workgroup 64", small, 64, 5000, true},
		{"supported 128", big, 128, 5000, true},
		{"unsupported size", big, 48, 5000, false},
		{"unsupported 256", big, 256, 5000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := UseDevice(tc.caps, tc.tileSize, tc.candidates); got != tc.want {
				t.Fatalf("UseDevice(%d, %d) = %v, want %v", tc.tileSize, tc.candidates, got, tc.want)
			}
		})
	}
}

func TestCorrelationBatchSizeIsStatic(t *testing.T) {
	caps := device.Capabilities{MaxAllocBytes: 256 << 20}
	first := CorrelationBatchSize(caps, 64)
	for i := 0; i < 10; i++ {
		if got := CorrelationBatchSize(caps, 64); got != first {
			t.Fatalf("batch size changed between calls: %d vs %d", got, first)
		}
	}
	want := int((caps.MaxAllocBytes / 2) / (64 * 64 * 36))
	if first != want {
		t.Fatalf("batch size = %d, want %d", first, want)
	}

	tiny := device.Capabilities{MaxAllocBytes: 1 << 20}
	if got := CorrelationBatchSize(tiny, 128); got != 100 {
		t.Fatalf("expected floor of 100 on a tiny device, got %d", got)
	}
}

func TestRouterFallsBackWithoutDevice(t *testing.T) {
	r := NewRouter(nil, testLogger())
	ref := testImage(96, 96, 0, 5)
	tgt := testImage(96, 96, 0, 6)
	batch, err := r.Extract(Request{Ref: ref, Target: tgt, TileSize: 32, Increment: 32, Threshold: 1})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if batch.Len() == 0 {
		t.Fatalf("expected tiles from the cpu path")
	}
	if r.DeviceAvailable() {
		t.Fatalf("router should report no device")
	}
}

func TestCandidateCount(t *testing.T) {
	ref := mono.New(128, 96)
	req := Request{Ref: ref, TileSize: 32, Increment: 16}
	// x: (128-32)/16+1 = 7, y: (96-32)/16+1 = 5.
	if got := req.CandidateCount(); got != 35 {
		t.Fatalf("candidate count = %d, want 35", got)
	}
	req.PosX = []int{8, 40, 72}
	req.PosY = []int{8, 40, 72}
	if got := req.CandidateCount(); got != 3 {
		t.Fatalf("explicit candidate count = %d, want 3", got)
	}
}

func TestExplicitPositionsOverrideScan(t *testing.T) {
	ref := testImage(128, 128, 64, 1)
	tgt := testImage(128, 128, 64, 2)
	req := Request{
		Ref: ref, Target: tgt, TileSize: 32, Increment: 16, Threshold: 100,
		// two candidates in the bright half and one in the dark half
		PosX: []int{80, 90, 0},
		PosY: []int{16, 40, 16},
	}

	batch, err := CPUBackend{}.Extract(req)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("got %d tiles, want the 2 bright candidates", batch.Len())
	}
	if batch.X[0] != 80 || batch.Y[0] != 16 || batch.X[1] != 90 || batch.Y[1] != 40 {
		t.Fatalf("tile positions = (%d,%d) (%d,%d), want (80,16) (90,40)",
			batch.X[0], batch.Y[0], batch.X[1], batch.Y[1])
	}
}
