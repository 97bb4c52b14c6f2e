package engine

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"dedistort/internal/correlation"
	"dedistort/internal/device"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// texture samples a fixed multi-frequency pattern at an offset, so shifted
// copies of the same scene can be generated exactly.
func texture(width, height int, offX, offY float64) *mono.Image {
	img := mono.New(width, height)
	for y := 0; y < height; y++ {
		fy := float64(y) + offY
		for x := 0; x < width; x++ {
			fx := float64(x) + offX
			v := 2000 +
				800*math.Sin(0.35*fx) +
				600*math.Cos(0.23*fy) +
				400*math.Sin(0.18*(fx+fy)) +
				300*math.Cos(0.29*(fx-0.5*fy))
			img.Set(x, y, float32(v))
		}
	}
	return img
}

// scriptedStrategy returns a fixed shift for every tile, chosen per batch
// call, and counts how often it is consulted.
type scriptedStrategy struct {
	mu     sync.Mutex
	calls  int
	shifts []correlation.Shift
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) next() correlation.Shift {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.shifts) {
		i = len(s.shifts) - 1
	}
	s.calls++
	return s.shifts[i]
}

func (s *scriptedStrategy) Correlate(ref, target []float32, size int) correlation.Shift {
	return s.next()
}

func (s *scriptedStrategy) CorrelateBatch(refs, targets [][]float32, size int) []correlation.Shift {
	sh := s.next()
	out := make([]correlation.Shift, len(refs))
	for i := range out {
		out[i] = sh
	}
	return out
}

func (s *scriptedStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func singleRequest(ref, target *mono.Image, p Params) Request {
	return Request{Mode: ModeSingle, Reference: ref, Targets: []*mono.Image{target}, Params: p}
}

func TestRunValidation(t *testing.T) {
	img := texture(64, 64, 0, 0)
	small := texture(32, 32, 0, 0)
	o := New(testLogger(), nil)

	cases := []struct {
		name string
		req  Request
	}{
		{"no targets", Request{Mode: ModeSingle, Reference: img}},
		{"no reference", Request{Mode: ModeSingle, Targets: []*mono.Image{img}}},
		{"tile size not power of two", singleRequest(img, img, Params{TileSize: 24})},
		{"tile size too small", singleRequest(img, img, Params{TileSize: 2})},
		{"negative sampling", singleRequest(img, img, Params{TileSize: 32, Sampling: -1})},
		{"size mismatch", singleRequest(img, small, Params{})},
		{"unknown mode", Request{Mode: Mode(99), Targets: []*mono.Image{img}}},
		{"unknown sampling mode", singleRequest(img, img, Params{TileSize: 32, SamplingMode: "nearest"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := o.Run(tc.req, nil); !errors.Is(err, ErrBadParams) {
				t.Fatalf("expected ErrBadParams, got %v", err)
			}
		})
	}
}

func TestRunStopsWhenResidualStopsImproving(t *testing.T) {
	ref := texture(128, 128, 0, 0)
	target := ref.Clone()
	strat := &scriptedStrategy{shifts: []correlation.Shift{{Dx: 0.6, Dy: 0, Confidence: 1}}}
	o := New(testLogger(), nil).WithStrategy(strat)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 5,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	// identical residuals on the first two passes mean zero relative
	// improvement, so the third pass must never run
	if got := strat.callCount(); got != 2 {
		t.Fatalf("expected 2 correlation passes, got %d", got)
	}
	if got := res.Chains[0].Len(); got != 2 {
		t.Fatalf("expected 2 maps in chain, got %d", got)
	}
}

func TestRunKeepsDivergingPass(t *testing.T) {
	ref := texture(128, 128, 0, 0)
	target := ref.Clone()
	strat := &scriptedStrategy{shifts: []correlation.Shift{
		{Dx: 0.5, Confidence: 1},
		{Dx: 1.5, Confidence: 1},
	}}
	o := New(testLogger(), nil).WithStrategy(strat)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 5,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := strat.callCount(); got != 2 {
		t.Fatalf("expected 2 correlation passes, got %d", got)
	}
	// the diverging measurement is still a valid measurement and stays
	// in the chain
	if got := res.Chains[0].Len(); got != 2 {
		t.Fatalf("expected 2 maps in chain, got %d", got)
	}
}

func TestRunExhaustsBudgetOnZeroResidual(t *testing.T) {
	ref := texture(128, 128, 0, 0)
	target := ref.Clone()
	strat := &scriptedStrategy{shifts: []correlation.Shift{{Confidence: 1}}}
	o := New(testLogger(), nil).WithStrategy(strat)

	if _, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 3,
	}), nil); err != nil {
		t.Fatal(err)
	}
	// zero residual gives no relative improvement signal, the pass
	// budget is the only stop
	if got := strat.callCount(); got != 3 {
		t.Fatalf("expected 3 correlation passes, got %d", got)
	}
}

func TestSingleRecoversUniformShift(t *testing.T) {
	ref := texture(192, 192, 0, 0)
	target := texture(192, 192, 3, 2)
	o := New(testLogger(), nil)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}

	dx, dy := res.Maps[0].DisplacementAt(96, 96)
	if math.Abs(dx-(-3)) > 0.4 || math.Abs(dy-(-2)) > 0.4 {
		t.Fatalf("map at center = (%.2f, %.2f), want about (-3, -2)", dx, dy)
	}

	var sum float64
	var count int
	for y := 32; y < 160; y++ {
		for x := 32; x < 160; x++ {
			sum += math.Abs(float64(res.Images[0].At(x, y) - ref.At(x, y)))
			count++
		}
	}
	if mean := sum / float64(count); mean > 40 {
		t.Fatalf("mean interior residual %.1f, want < 40", mean)
	}
}

func TestInterestSamplingRecoversUniformShift(t *testing.T) {
	ref := texture(192, 192, 0, 0)
	target := texture(192, 192, 2, 1)
	o := New(testLogger(), nil)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1,
		SamplingMode: SamplingInterest,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}

	// scattered interest-point measurements resampled through the sparse
	// field must still land near the true uniform shift
	dx, dy := res.Maps[0].DisplacementAt(96, 96)
	if math.Abs(dx-(-2)) > 0.6 || math.Abs(dy-(-1)) > 0.6 {
		t.Fatalf("map at center = (%.2f, %.2f), want about (-2, -1)", dx, dy)
	}
}

func TestRefinementHalvesTileSize(t *testing.T) {
	ref := texture(192, 192, 0, 0)
	target := texture(192, 192, 1, 0)
	strat := &scriptedStrategy{shifts: []correlation.Shift{{Dx: -1, Confidence: 1}}}
	o := New(testLogger(), nil).WithStrategy(strat)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 64, Sampling: 0.5, SignalThreshold: 1, Iterations: 1, Refine: true,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	// one level at 64 and one at 32, folded into a single iteration map on
	// the finest grid
	if got := strat.callCount(); got != 2 {
		t.Fatalf("expected 2 correlation passes across levels, got %d", got)
	}
	if got := res.Chains[0].Len(); got != 1 {
		t.Fatalf("expected 1 iteration map in chain, got %d", got)
	}
	if ts := res.Chains[0].Map(0).TileSize(); ts != 32 {
		t.Fatalf("iteration map tile size = %d, want the finest level 32", ts)
	}
}

func TestEachIterationRunsFullLevelSweep(t *testing.T) {
	ref := texture(192, 192, 0, 0)
	target := texture(192, 192, 1, 0)
	strat := &scriptedStrategy{shifts: []correlation.Shift{
		{Dx: -0.8, Confidence: 1},
		{Dx: -0.8, Confidence: 1},
		{Dx: -0.3, Confidence: 1},
		{Dx: -0.3, Confidence: 1},
	}}
	o := New(testLogger(), nil).WithStrategy(strat)

	res, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 64, Sampling: 0.5, SignalThreshold: 1, Iterations: 2, Refine: true,
	}), nil)
	if err != nil {
		t.Fatal(err)
	}
	// two iterations, each sweeping both levels
	if got := strat.callCount(); got != 4 {
		t.Fatalf("expected 4 correlation passes, got %d", got)
	}
	if got := res.Chains[0].Len(); got != 2 {
		t.Fatalf("expected one map per iteration, got %d", got)
	}
	for i := 0; i < res.Chains[0].Len(); i++ {
		if ts := res.Chains[0].Map(i).TileSize(); ts != 32 {
			t.Fatalf("iteration %d map tile size = %d, want 32", i, ts)
		}
	}
}

func TestProgressReachesOne(t *testing.T) {
	ref := texture(96, 96, 0, 0)
	target := texture(96, 96, 1, 1)
	o := New(testLogger(), nil)

	var mu sync.Mutex
	last := map[string]float64{}
	sink := progress.SinkFunc(func(taskPath string, fraction float64) {
		mu.Lock()
		last[taskPath] = fraction
		mu.Unlock()
	})

	if _, err := o.Run(singleRequest(ref, target, Params{
		TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1,
	}), sink); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got, ok := last["register"]; !ok || got != 1 {
		t.Fatalf("root progress = %v (reported %v), want 1", got, ok)
	}
}

func TestResidentPathMatchesCPU(t *testing.T) {
	t.Setenv(device.EnvDevice, "")
	ctx, err := device.Open(testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ref := texture(544, 544, 0, 0)
	target := texture(544, 544, 2, 1)
	p := Params{TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1}

	withDevice := New(testLogger(), ctx)
	if !withDevice.useResident(ref, p) {
		t.Fatal("expected resident path for 544x544 frames")
	}
	devRes, err := withDevice.Run(singleRequest(ref, target, p), nil)
	if err != nil {
		t.Fatal(err)
	}
	cpuRes, err := New(testLogger(), nil).Run(singleRequest(ref, target, p), nil)
	if err != nil {
		t.Fatal(err)
	}

	// both paths run the same phase-then-cross retry schedule, so the only
	// slack is the float32 staging of shifts on the device side
	for _, pt := range [][2]float64{{136, 136}, {272, 272}, {408, 408}} {
		ddx, ddy := devRes.Maps[0].DisplacementAt(pt[0], pt[1])
		cdx, cdy := cpuRes.Maps[0].DisplacementAt(pt[0], pt[1])
		if math.Abs(ddx-cdx) > 1e-3 || math.Abs(ddy-cdy) > 1e-3 {
			t.Fatalf("at (%v, %v): device (%.2f, %.2f) vs cpu (%.2f, %.2f)",
				pt[0], pt[1], ddx, ddy, cdx, cdy)
		}
	}
	if errs := ctx.Errors(); len(errs) != 0 {
		t.Fatalf("device errors recorded: %v", errs)
	}
}

func TestUseResidentRejectsSmallFrames(t *testing.T) {
	t.Setenv(device.EnvDevice, "")
	ctx, err := device.Open(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	o := New(testLogger(), ctx)
	p := DefaultParams()
	if o.useResident(texture(96, 96, 0, 0), p) {
		t.Fatal("96x96 frames should not take the resident path")
	}
}
