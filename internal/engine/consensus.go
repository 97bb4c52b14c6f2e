package engine

import (
	"fmt"
	"math/rand"
	"sort"

	"dedistort/internal/device"
	"dedistort/internal/distortion"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
	"dedistort/internal/tiles"
)

// maxConsensusPartners caps the pairwise comparisons per frame and pass.
// Beyond roughly thirty partners the averaged estimate stops improving
// while the cost keeps growing quadratically.
const maxConsensusPartners = 30

// consensusSeedBase makes pair sampling reproducible across runs.
const consensusSeedBase = 42

// partnerSets returns, for each of n frames, the partner indices sampled
// for the given pass. The selection is deterministic: frame i at pass k
// shuffles its candidates with seed consensusSeedBase + i + k*n and keeps
// the first min(n-1, maxConsensusPartners).
func partnerSets(n, pass int) [][]int {
	sets := make([][]int, n)
	for i := 0; i < n; i++ {
		rng := rand.New(rand.NewSource(int64(consensusSeedBase + i + pass*n)))
		cand := make([]int, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				cand = append(cand, j)
			}
		}
		rng.Shuffle(len(cand), func(a, b int) {
			cand[a], cand[b] = cand[b], cand[a]
		})
		k := len(cand)
		if k > maxConsensusPartners {
			k = maxConsensusPartners
		}
		sets[i] = cand[:k]
	}
	return sets
}

// uniquePairs deduplicates the partner sets into unordered index pairs,
// sorted for a stable computation order. Frame i sampling j and frame j
// sampling i cost one measurement, not two.
func uniquePairs(sets [][]int, n int) [][2]int {
	seen := make(map[int][2]int)
	for i, set := range sets {
		for _, j := range set {
			a, b := i, j
			if a > b {
				a, b = b, a
			}
			seen[a*n+b] = [2]int{a, b}
		}
	}
	pairs := make([][2]int, 0, len(seen))
	for _, p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(x, y int) bool {
		if pairs[x][0] != pairs[y][0] {
			return pairs[x][0] < pairs[y][0]
		}
		return pairs[x][1] < pairs[y][1]
	})
	return pairs
}

// runConsensus registers a frame set against itself. Each pass measures
// pairwise displacement maps between sampled frame pairs and corrects every
// frame toward the set average, which converges to the undistorted scene
// because atmospheric displacement is zero-mean over enough frames.
func (o *Orchestrator) runConsensus(frames []*mono.Image, p Params, op *progress.Operation) (*Result, error) {
	n := len(frames)
	if n == 0 {
		return nil, fmt.Errorf("%w: consensus needs at least 1 frame", ErrBadParams)
	}
	if n == 1 {
		// A lone frame is its own consensus.
		op.Complete()
		return &Result{
			Images: []*mono.Image{frames[0]},
			Chains: []*distortion.Chain{distortion.NewChain()},
			Maps:   []*distortion.Map{distortion.NewMap(frames[0].Width, frames[0].Height, p.TileSize, p.step(p.TileSize))},
		}, nil
	}
	if n < 5 {
		o.log.Warn("consensus over few frames is statistically unreliable", "frames", n)
	}

	working := make([]*mono.Image, n)
	copy(working, frames)
	chains := make([]*distortion.Chain, n)
	for i := range chains {
		chains[i] = distortion.NewChain()
	}

	var prevMean float64
	for it := 0; it < p.Iterations; it++ {
		corrections, err := o.consensusPass(working, p.TileSize, p, it, op.Child(fmt.Sprintf("iteration %d", it+1)))
		if err != nil {
			return nil, err
		}
		var mean float64
		for _, c := range corrections {
			mean += c.TotalDistortion()
		}
		mean /= float64(n)
		// Diverging corrections are still kept: the measurements are
		// valid, further iterations just will not help.
		for i, c := range corrections {
			chains[i] = chains[i].Append(c)
		}
		if it > 0 && mean > prevMean {
			o.log.Warn("consensus iteration diverged",
				"iteration", it+1, "mean_residual", mean, "previous", prevMean)
			break
		}
		for i, c := range corrections {
			working[i] = mono.Warp(working[i], c, mono.Bilinear)
		}
		if it > 0 && (prevMean-mean)/prevMean < convergenceThreshold {
			o.log.Debug("consensus converged",
				"iteration", it+1, "mean_residual", mean)
			break
		}
		prevMean = mean
		op.Update(float64(it+1) / float64(p.Iterations))
	}

	res := &Result{
		Images: make([]*mono.Image, n),
		Chains: chains,
		Maps:   make([]*distortion.Map, n),
	}
	for i := range frames {
		synth, err := distortion.Synthesize(chains[i].Maps(), frames[i].Width, frames[i].Height)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		res.Maps[i] = synth
		res.Images[i] = mono.Warp(frames[i], synth, mono.Lanczos)
	}
	op.Complete()
	return res, nil
}

// consensusPass computes one correction map per frame. The map measured
// from pair (a, b) with a as reference is the correction for b; the frame
// on the reference side negates it. Averaging a frame's collected maps and
// negating yields its correction toward the consensus.
func (o *Orchestrator) consensusPass(working []*mono.Image, tileSize int, p Params, pass int, op *progress.Operation) ([]*distortion.Map, error) {
	n := len(working)
	sets := partnerSets(n, pass)
	pairs := uniquePairs(sets, n)

	pairMaps, err := o.pairMaps(working, pairs, tileSize, p, op)
	if err != nil {
		return nil, err
	}

	corrections := make([]*distortion.Map, n)
	for i, set := range sets {
		collected := make([]*distortion.Map, 0, len(set))
		for _, j := range set {
			if i < j {
				collected = append(collected, pairMaps[i*n+j])
			} else {
				collected = append(collected, pairMaps[j*n+i].Negate())
			}
		}
		avg, err := distortion.Average(collected)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		corrections[i] = avg.Negate()
	}
	op.Complete()
	return corrections, nil
}

// pairMaps measures the displacement map of every unique pair, keyed by
// smaller*n + larger with the smaller index as reference. When the device
// is usable the frames stay resident in an LRU cache across pairs, so each
// frame uploads once per pass instead of once per pair.
func (o *Orchestrator) pairMaps(working []*mono.Image, pairs [][2]int, tileSize int, p Params, op *progress.Operation) (map[int]*distortion.Map, error) {
	n := len(working)
	if capacity := o.residentPairCapacity(working[0], tileSize, p); capacity >= 2 {
		maps, err := o.pairMapsResident(working, pairs, tileSize, p, capacity, op)
		if err == nil {
			return maps, nil
		}
		o.ctx.NoteError(err)
		o.log.Warn("device pair measurement failed, falling back to cpu", "error", err)
	}

	maps := make(map[int]*distortion.Map, len(pairs))
	for idx, pr := range pairs {
		m, err := o.computeMap(working[pr[0]], working[pr[1]], tileSize, p,
			op.Child(fmt.Sprintf("pair %d-%d", pr[0], pr[1])))
		if err != nil {
			return nil, fmt.Errorf("pair (%d, %d): %w", pr[0], pr[1], err)
		}
		maps[pr[0]*n+pr[1]] = m
		op.Update(float64(idx+1) / float64(len(pairs)))
	}
	return maps, nil
}

// residentPairCapacity returns how many frames the device can keep resident
// for pair measurement, or 0 when the device path should not be used.
func (o *Orchestrator) residentPairCapacity(sample *mono.Image, tileSize int, p Params) int {
	if !o.deviceEligible() || p.SamplingMode == SamplingInterest {
		return 0
	}
	ts := tileSize
	if ts < AbsoluteMinTileSize {
		ts = AbsoluteMinTileSize
	}
	step := p.step(ts)
	candidates := ((sample.Width-ts)/step + 1) * ((sample.Height-ts)/step + 1)
	if candidates < 0 {
		candidates = 0
	}
	caps := o.ctx.Capabilities()
	if !tiles.UseDevice(caps, ts, candidates) {
		return 0
	}
	budget := device.NewFrameBudget(caps, ts, tiles.CorrelationBatchSize(caps, ts))
	return budget.MaxResidentFrames(sample.Width, sample.Height)
}

func (o *Orchestrator) pairMapsResident(working []*mono.Image, pairs [][2]int, tileSize int, p Params, capacity int, op *progress.Operation) (map[int]*distortion.Map, error) {
	n := len(working)
	if capacity > n {
		capacity = n
	}
	cache := device.NewFrameCache(capacity, func(index int) (*mono.Image, error) {
		return working[index], nil
	})
	maps := make(map[int]*distortion.Map, len(pairs))

	err := o.ctx.ExecuteWithLock(func(s *device.Session) error {
		defer cache.Clear(s)
		for idx, pr := range pairs {
			refFrame, err := cache.Frame(s, pr[0])
			if err != nil {
				return err
			}
			tgtFrame, err := cache.Frame(s, pr[1])
			if err != nil {
				return err
			}
			m, err := o.residentMap(s, working[pr[0]], refFrame, tgtFrame, tileSize, p)
			if err != nil {
				return fmt.Errorf("pair (%d, %d): %w", pr[0], pr[1], err)
			}
			maps[pr[0]*n+pr[1]] = m
			op.Update(float64(idx+1) / float64(len(pairs)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	hits, misses := cache.Stats()
	o.log.Debug("consensus pair pass done on device",
		"pairs", len(pairs), "cache_hits", hits, "cache_misses", misses,
		"hit_ratio", cache.HitRatio())
	return maps, nil
}
