package correlation

import (
	"runtime"
	"sort"
	"sync"
)

// Strategy computes displacements for tile pairs. Batch calls process tiles
// independently and may run them in parallel.
type Strategy interface {
	Correlate(ref, target []float32, size int) Shift
	CorrelateBatch(refs, targets [][]float32, size int) []Shift
	Name() string
}

// PhaseStrategy is windowed phase correlation with peak-sharpness
// confidence. It is the default strategy.
type PhaseStrategy struct{}

// Correlate implements Strategy.
func (PhaseStrategy) Correlate(ref, target []float32, size int) Shift {
	return phaseCorrelate(ref, target, size)
}

// CorrelateBatch implements Strategy.
func (PhaseStrategy) CorrelateBatch(refs, targets [][]float32, size int) []Shift {
	return mapTiles(refs, targets, size, phaseCorrelate)
}

// Name implements Strategy.
func (PhaseStrategy) Name() string { return "Phase Correlation" }

// CrossStrategy is windowed, un-normalized cross-correlation. It tolerates
// low-contrast tiles better than phase correlation because it keeps the
// spectrum amplitudes.
type CrossStrategy struct{}

// Correlate implements Strategy.
func (CrossStrategy) Correlate(ref, target []float32, size int) Shift {
	return crossCorrelate(ref, target, size, true)
}

// CorrelateBatch implements Strategy.
func (CrossStrategy) CorrelateBatch(refs, targets [][]float32, size int) []Shift {
	return mapTiles(refs, targets, size, func(r, t []float32, n int) Shift {
		return crossCorrelate(r, t, n, true)
	})
}

// Name implements Strategy.
func (CrossStrategy) Name() string { return "Cross Correlation" }

// NCCStrategy is normalized cross-correlation on zero-meaned tiles. Its
// confidence is the normalized correlation peak itself.
type NCCStrategy struct{}

// Correlate implements Strategy.
func (NCCStrategy) Correlate(ref, target []float32, size int) Shift {
	return nccCorrelate(ref, target, size)
}

// CorrelateBatch implements Strategy.
func (NCCStrategy) CorrelateBatch(refs, targets [][]float32, size int) []Shift {
	return mapTiles(refs, targets, size, nccCorrelate)
}

// Name implements Strategy.
func (NCCStrategy) Name() string { return "NCC" }

// fallbackPercentile is the fraction of weakest phase-correlation results
// the adaptive strategy re-runs through cross-correlation.
const fallbackPercentile = 0.20

// AdaptiveStrategy runs phase correlation first and retries the weakest
// tiles with cross-correlation, keeping whichever answer scores the higher
// confidence.
type AdaptiveStrategy struct {
	phase PhaseStrategy
	cross CrossStrategy
}

// Correlate implements Strategy. The single-tile form runs both kernels and
// keeps the more confident answer.
func (s AdaptiveStrategy) Correlate(ref, target []float32, size int) Shift {
	p := s.phase.Correlate(ref, target, size)
	c := s.cross.Correlate(ref, target, size)
	if c.Confidence > p.Confidence {
		return c
	}
	return p
}

// CorrelateBatch implements Strategy. Tiles whose phase confidence falls at
// or below the 20th percentile are re-run through cross-correlation; the
// replacement wins only with strictly higher confidence.
func (s AdaptiveStrategy) CorrelateBatch(refs, targets [][]float32, size int) []Shift {
	shifts := s.phase.CorrelateBatch(refs, targets, size)
	retry := FallbackCandidates(shifts)
	parallelFor(len(retry), func(k int) {
		i := retry[k]
		c := s.cross.Correlate(refs[i], targets[i], size)
		if c.Confidence > shifts[i].Confidence {
			shifts[i] = c
		}
	})
	return shifts
}

// FallbackCandidates returns the indices whose confidence falls at or below
// the fallback percentile of the whole batch. The device batch paths use the
// same selection over their full result set, so routing a batch to the
// device cannot change which tiles get the cross-correlation retry.
func FallbackCandidates(shifts []Shift) []int {
	n := len(shifts)
	if n == 0 {
		return nil
	}
	confidences := make([]float64, n)
	for i, sh := range shifts {
		confidences[i] = sh.Confidence
	}
	sort.Float64s(confidences)
	idx := int(fallbackPercentile * float64(n))
	if idx > n-1 {
		idx = n - 1
	}
	threshold := confidences[idx]

	var retry []int
	for i, sh := range shifts {
		if sh.Confidence <= threshold {
			retry = append(retry, i)
		}
	}
	return retry
}

// Name implements Strategy.
func (AdaptiveStrategy) Name() string { return "Adaptive Correlation" }

func mapTiles(refs, targets [][]float32, size int, fn func(ref, target []float32, size int) Shift) []Shift {
	shifts := make([]Shift, len(refs))
	parallelFor(len(refs), func(i int) {
		shifts[i] = fn(refs[i], targets[i], size)
	})
	return shifts
}

func parallelFor(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	idx := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		idx <- i
	}
	close(idx)
	wg.Wait()
}
