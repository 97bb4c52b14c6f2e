package engine

import (
	"math"
	"reflect"
	"testing"

	"dedistort/internal/correlation"
	"dedistort/internal/mono"
)

func TestPartnerSetsDeterministic(t *testing.T) {
	a := partnerSets(12, 3)
	b := partnerSets(12, 3)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("partner sets differ between identical calls")
	}
	c := partnerSets(12, 4)
	if reflect.DeepEqual(a, c) {
		t.Fatal("partner sets identical across passes, expected reshuffling")
	}
}

func TestPartnerSetsCapped(t *testing.T) {
	sets := partnerSets(40, 0)
	for i, set := range sets {
		if len(set) != maxConsensusPartners {
			t.Fatalf("frame %d has %d partners, want %d", i, len(set), maxConsensusPartners)
		}
		seen := map[int]bool{i: true}
		for _, j := range set {
			if seen[j] {
				t.Fatalf("frame %d samples %d twice or samples itself", i, j)
			}
			seen[j] = true
		}
	}
	small := partnerSets(10, 0)
	for i, set := range small {
		if len(set) != 9 {
			t.Fatalf("frame %d of 10 has %d partners, want all 9", i, len(set))
		}
	}
}

func TestUniquePairsFullSampling(t *testing.T) {
	const n = 10
	pairs := uniquePairs(partnerSets(n, 0), n)
	// 10 frames each sampling all 9 partners is every unordered pair once
	if len(pairs) != 45 {
		t.Fatalf("got %d unique pairs, want 45", len(pairs))
	}
	for i, pr := range pairs {
		if pr[0] >= pr[1] {
			t.Fatalf("pair %d = %v not ordered", i, pr)
		}
		if i > 0 && !(pairs[i-1][0] < pr[0] || (pairs[i-1][0] == pr[0] && pairs[i-1][1] < pr[1])) {
			t.Fatalf("pairs not sorted at %d: %v after %v", i, pr, pairs[i-1])
		}
	}
}

// meanAbsDiff measures alignment quality over the interior, away from the
// zero-filled warp borders.
func meanAbsDiff(a, b *mono.Image, margin int) float64 {
	var sum float64
	var count int
	for y := margin; y < a.Height-margin; y++ {
		for x := margin; x < a.Width-margin; x++ {
			sum += math.Abs(float64(a.At(x, y) - b.At(x, y)))
			count++
		}
	}
	return sum / float64(count)
}

func TestConsensusAlignsFrameSet(t *testing.T) {
	frames := []*mono.Image{
		texture(96, 96, 0, 0),
		texture(96, 96, 1.5, 0),
		texture(96, 96, -1.5, 0),
	}
	o := New(testLogger(), nil)

	res, err := o.Run(Request{
		Mode:    ModeConsensus,
		Targets: frames,
		Params:  Params{TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 3 || len(res.Chains) != 3 || len(res.Maps) != 3 {
		t.Fatalf("got %d/%d/%d results, want 3 of each", len(res.Images), len(res.Chains), len(res.Maps))
	}
	for i, c := range res.Chains {
		if c.Len() != 1 {
			t.Fatalf("chain %d has %d maps, want 1", i, c.Len())
		}
	}

	before := meanAbsDiff(frames[1], frames[2], 16)
	after := meanAbsDiff(res.Images[1], res.Images[2], 16)
	if after >= before {
		t.Fatalf("consensus did not improve alignment: before %.1f, after %.1f", before, after)
	}
}

func TestConsensusSingleFrameReturnsUnchanged(t *testing.T) {
	frame := texture(96, 96, 0, 0)
	o := New(testLogger(), nil)

	res, err := o.Run(Request{
		Mode:    ModeConsensus,
		Targets: []*mono.Image{frame},
		Params:  Params{TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 3},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 1 || len(res.Chains) != 1 || len(res.Maps) != 1 {
		t.Fatalf("got %d/%d/%d results, want 1 of each", len(res.Images), len(res.Chains), len(res.Maps))
	}
	// nothing to measure against, so the frame comes back without a single
	// resampling pass
	if !reflect.DeepEqual(res.Images[0].Pix, frame.Pix) {
		t.Fatal("lone frame was modified")
	}
	if got := res.Chains[0].Len(); got != 0 {
		t.Fatalf("lone frame chain has %d maps, want 0", got)
	}
	if total := res.Maps[0].TotalDistortion(); total != 0 {
		t.Fatalf("lone frame map total distortion = %v, want 0", total)
	}
}

func TestConsensusStopsWhenResidualStopsImproving(t *testing.T) {
	frames := []*mono.Image{
		texture(96, 96, 0, 0),
		texture(96, 96, 1, 0),
	}
	strat := &scriptedStrategy{shifts: []correlation.Shift{{Dx: 0.6, Confidence: 1}}}
	o := New(testLogger(), nil).WithStrategy(strat)

	res, err := o.Run(Request{
		Mode:    ModeConsensus,
		Targets: frames,
		Params:  Params{TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 5},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// two frames give one pair per pass; identical mean residuals on the
	// first two passes mean zero relative improvement, so the third pass
	// must never run
	if got := strat.callCount(); got != 2 {
		t.Fatalf("expected 2 correlation passes, got %d", got)
	}
	for i, c := range res.Chains {
		if c.Len() != 2 {
			t.Fatalf("chain %d has %d maps, want 2", i, c.Len())
		}
	}
}

func TestConsensusInputsUntouched(t *testing.T) {
	frames := []*mono.Image{
		texture(96, 96, 0, 0),
		texture(96, 96, 1, 0),
	}
	snapshot := []*mono.Image{frames[0].Clone(), frames[1].Clone()}
	o := New(testLogger(), nil)

	if _, err := o.Run(Request{
		Mode:    ModeConsensus,
		Targets: frames,
		Params:  Params{TileSize: 32, Sampling: 0.5, SignalThreshold: 1, Iterations: 1},
	}, nil); err != nil {
		t.Fatal(err)
	}
	for i := range frames {
		if !reflect.DeepEqual(frames[i].Pix, snapshot[i].Pix) {
			t.Fatalf("input frame %d was modified", i)
		}
	}
}
