package engine

import (
	"fmt"

	"dedistort/internal/distortion"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
)

// runSingle registers every target against the reference independently.
func (o *Orchestrator) runSingle(ref *mono.Image, targets []*mono.Image, p Params, op *progress.Operation) (*Result, error) {
	res := &Result{
		Images: make([]*mono.Image, len(targets)),
		Chains: make([]*distortion.Chain, len(targets)),
		Maps:   make([]*distortion.Map, len(targets)),
	}
	for i, target := range targets {
		child := op.Child(fmt.Sprintf("frame %d", i+1))
		img, chain, synth, err := o.registerOne(ref, target, p, child)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		res.Images[i] = img
		res.Chains[i] = chain
		res.Maps[i] = synth
		child.Complete()
		op.Update(float64(i+1) / float64(len(targets)))
	}
	op.Complete()
	return res, nil
}

// registerOne aligns one target to the reference. Every iteration runs a
// full level sweep (tile size halving down to MinTileSize when refinement
// is on) against the current working image and folds the level maps into
// one iteration map; the residual of that iteration map drives the
// convergence check. The returned image is always produced by a single
// Lanczos warp of the pristine target through the synthesis of all
// iteration maps, so resampling loss is paid exactly once.
func (o *Orchestrator) registerOne(ref, target *mono.Image, p Params, op *progress.Operation) (*mono.Image, *distortion.Chain, *distortion.Map, error) {
	if o.useResident(ref, p) {
		img, chain, synth, err := o.registerResident(ref, target, p, op)
		if err == nil {
			return img, chain, synth, nil
		}
		o.ctx.NoteError(err)
		o.log.Warn("device-resident registration failed, falling back to cpu", "error", err)
	}

	working := target
	var maps []*distortion.Map
	var prevTotal float64
	for it := 0; it < p.Iterations; it++ {
		m, err := o.levelSweep(ref, working, p, op.Child(fmt.Sprintf("iteration %d", it+1)))
		if err != nil {
			return nil, nil, nil, err
		}
		total := m.TotalDistortion()
		// A diverging iteration still keeps its map: the measurement is
		// valid, more iterations just will not help.
		maps = append(maps, m)
		if it > 0 && total > prevTotal {
			o.log.Warn("registration iteration diverged",
				"iteration", it+1, "residual", total, "previous", prevTotal)
			break
		}
		working = mono.Warp(working, m, mono.Bilinear)
		if it > 0 && (prevTotal-total)/prevTotal < convergenceThreshold {
			o.log.Debug("registration converged",
				"iteration", it+1, "residual", total)
			break
		}
		prevTotal = total
		op.Update(float64(it+1) / float64(p.Iterations))
	}

	synth, err := distortion.Synthesize(maps, target.Width, target.Height)
	if err != nil {
		return nil, nil, nil, err
	}
	final := mono.Warp(target, synth, mono.Lanczos)
	return final, distortion.NewChain(maps...), synth, nil
}

// levelSweep computes one map per tile-size level on a working copy of the
// input, warping between levels with the cheap bilinear kernel, and
// synthesizes the level maps into a single map for the iteration.
func (o *Orchestrator) levelSweep(ref, input *mono.Image, p Params, op *progress.Operation) (*distortion.Map, error) {
	working := input
	var maps []*distortion.Map
	ts := p.TileSize
	for {
		m, err := o.computeMap(ref, working, ts, p, op.Child(fmt.Sprintf("tile size %d", ts)))
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
		if !p.Refine || ts <= MinTileSize {
			break
		}
		working = mono.Warp(working, m, mono.Bilinear)
		ts /= 2
	}
	op.Complete()
	if len(maps) == 1 {
		return maps[0], nil
	}
	return distortion.Synthesize(maps, input.Width, input.Height)
}
