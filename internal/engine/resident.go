package engine

import (
	"fmt"

	"dedistort/internal/correlation"
	"dedistort/internal/device"
	"dedistort/internal/distortion"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
	"dedistort/internal/sampling"
	"dedistort/internal/tiles"
)

// useResident reports whether the device-resident refinement path should be
// taken for frames of this geometry. It needs the routing gate to pass at
// the starting tile size and room for at least three resident frames: the
// reference, the pristine target and the working copy.
func (o *Orchestrator) useResident(ref *mono.Image, p Params) bool {
	if !o.deviceEligible() || p.SamplingMode == SamplingInterest {
		return false
	}
	caps := o.ctx.Capabilities()
	ts := p.TileSize
	if ts < AbsoluteMinTileSize {
		ts = AbsoluteMinTileSize
	}
	step := p.step(ts)
	candidates := ((ref.Width-ts)/step + 1) * ((ref.Height-ts)/step + 1)
	if candidates < 0 {
		candidates = 0
	}
	if !tiles.UseDevice(caps, ts, candidates) {
		return false
	}
	budget := device.NewFrameBudget(caps, ts, tiles.CorrelationBatchSize(caps, ts))
	return budget.MaxResidentFrames(ref.Width, ref.Height) >= 3
}

// registerResident is registerOne with the working copy kept on the device
// between iterations. Tiles are cut from the resident frames by the
// correlation kernels themselves and intermediate warps never touch host
// memory; only the distortion grids and shift results cross the bus.
//
// The signal gate here reads the reference image only. Gating on the
// working copy would mean downloading it every pass, which defeats the
// point, and the reference is where empty regions live anyway.
func (o *Orchestrator) registerResident(ref, target *mono.Image, p Params, op *progress.Operation) (*mono.Image, *distortion.Chain, *distortion.Map, error) {
	var (
		final *mono.Image
		maps  []*distortion.Map
		synth *distortion.Map
	)
	err := o.ctx.ExecuteWithLock(func(s *device.Session) error {
		refFrame, err := device.UploadFrame(s, ref)
		if err != nil {
			return err
		}
		defer refFrame.Close(s)
		targetFrame, err := device.UploadFrame(s, target)
		if err != nil {
			return err
		}
		defer targetFrame.Close(s)

		working := targetFrame
		defer func() {
			if working != targetFrame {
				working.Close(s)
			}
		}()

		var prevTotal float64
		for it := 0; it < p.Iterations; it++ {
			m, err := o.residentSweep(s, ref, refFrame, working, p, op.Child(fmt.Sprintf("iteration %d", it+1)))
			if err != nil {
				return err
			}
			total := m.TotalDistortion()
			// Divergence and convergence handling must match the CPU path
			// exactly so a mid-run fallback cannot change results.
			maps = append(maps, m)
			if it > 0 && total > prevTotal {
				o.log.Warn("registration iteration diverged",
					"iteration", it+1, "residual", total, "previous", prevTotal)
				break
			}
			warped, err := warpResident(s, working, m, false)
			if err != nil {
				return err
			}
			if working != targetFrame {
				if err := working.Close(s); err != nil {
					return err
				}
			}
			working = warped
			if it > 0 && (prevTotal-total)/prevTotal < convergenceThreshold {
				o.log.Debug("registration converged",
					"iteration", it+1, "residual", total)
				break
			}
			prevTotal = total
			op.Update(float64(it+1) / float64(p.Iterations))
		}

		synth, err = distortion.Synthesize(maps, target.Width, target.Height)
		if err != nil {
			return err
		}
		finalFrame, err := warpResident(s, targetFrame, synth, true)
		if err != nil {
			return err
		}
		defer finalFrame.Close(s)
		final, err = finalFrame.Download(s)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return final, distortion.NewChain(maps...), synth, nil
}

// residentSweep mirrors levelSweep with device-resident frames: one map per
// tile-size level on a working copy, warped in place between levels, all
// level maps synthesized into the iteration map.
func (o *Orchestrator) residentSweep(s *device.Session, ref *mono.Image, refFrame, input *device.Frame, p Params, op *progress.Operation) (*distortion.Map, error) {
	working := input
	var maps []*distortion.Map
	ts := p.TileSize
	for {
		m, err := o.residentMap(s, ref, refFrame, working, ts, p)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
		if !p.Refine || ts <= MinTileSize {
			break
		}
		warped, err := warpResident(s, working, m, false)
		if err != nil {
			return nil, err
		}
		if working != input {
			if err := working.Close(s); err != nil {
				return nil, err
			}
		}
		working = warped
		ts /= 2
	}
	if working != input {
		if err := working.Close(s); err != nil {
			return nil, err
		}
	}
	op.Complete()
	if len(maps) == 1 {
		return maps[0], nil
	}
	return distortion.Synthesize(maps, ref.Width, ref.Height)
}

// residentMap computes one displacement map from frames already on the
// device. It mirrors AdaptiveStrategy.CorrelateBatch: a phase pass over
// every gated position, then a cross-correlation retry on the weakest
// tiles selected over the whole position set, replacing a result only on
// strictly higher confidence.
func (o *Orchestrator) residentMap(s *device.Session, ref *mono.Image, refFrame, workFrame *device.Frame, tileSize int, p Params) (*distortion.Map, error) {
	ts := tileSize
	if ts < AbsoluteMinTileSize {
		ts = AbsoluteMinTileSize
	}
	step := p.step(ts)
	m := distortion.NewMap(ref.Width, ref.Height, ts, step)
	for y := 0; y+ts <= ref.Height; y += step {
		for x := 0; x+ts <= ref.Width; x += step {
			m.RecordDisplacement(x+ts/2, y+ts/2, 0, 0)
		}
	}

	// The signal gate reads the reference only; the working copy never
	// leaves the device. The grid strategy gates the same way.
	pos := sampling.NewGridStrategy(p.Sampling).SelectPositions(ref, ts, p.SignalThreshold)
	posX := make([]float32, pos.Count)
	posY := make([]float32, pos.Count)
	for i := 0; i < pos.Count; i++ {
		posX[i] = float32(pos.X[i] - ts/2)
		posY[i] = float32(pos.Y[i] - ts/2)
	}
	if len(posX) == 0 {
		m.FilterAndSmooth()
		return m, nil
	}

	refBuf, err := refFrame.Buffer()
	if err != nil {
		return nil, err
	}
	workBuf, err := workFrame.Buffer()
	if err != nil {
		return nil, err
	}
	phase, err := s.Kernel("correlation", "correlate_resident_phase")
	if err != nil {
		return nil, err
	}
	cross, err := s.Kernel("correlation", "correlate_resident_cross")
	if err != nil {
		return nil, err
	}

	chunk := tiles.CorrelationBatchSize(o.ctx.Capabilities(), ts)
	pxBuf, err := s.Allocate(chunk)
	if err != nil {
		return nil, err
	}
	defer s.Release(pxBuf)
	pyBuf, err := s.Allocate(chunk)
	if err != nil {
		return nil, err
	}
	defer s.Release(pyBuf)
	outBuf, err := s.Allocate(chunk * 3)
	if err != nil {
		return nil, err
	}
	defer s.Release(outBuf)

	dispatch := func(kern *device.Kernel, px, py []float32, shifts []correlation.Shift) error {
		out := make([]float32, chunk*3)
		for start := 0; start < len(px); start += chunk {
			end := start + chunk
			if end > len(px) {
				end = len(px)
			}
			count := end - start
			if err := s.Write(pxBuf, px[start:end]); err != nil {
				return err
			}
			if err := s.Write(pyBuf, py[start:end]); err != nil {
				return err
			}
			if err := kern.Run(refBuf, workBuf, ref.Width, ref.Height, pxBuf, pyBuf, count, ts, outBuf); err != nil {
				return err
			}
			if err := s.Read(outBuf, out[:count*3]); err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				shifts[start+i] = correlation.Shift{
					Dx:         float64(out[i*3]),
					Dy:         float64(out[i*3+1]),
					Confidence: float64(out[i*3+2]),
				}
			}
		}
		return nil
	}

	shifts := make([]correlation.Shift, len(posX))
	if err := dispatch(phase, posX, posY, shifts); err != nil {
		return nil, err
	}

	retry := correlation.FallbackCandidates(shifts)
	if len(retry) > 0 {
		retryX := make([]float32, len(retry))
		retryY := make([]float32, len(retry))
		for k, i := range retry {
			retryX[k] = posX[i]
			retryY[k] = posY[i]
		}
		retried := make([]correlation.Shift, len(retry))
		if err := dispatch(cross, retryX, retryY, retried); err != nil {
			return nil, err
		}
		for k, i := range retry {
			if retried[k].Confidence > shifts[i].Confidence {
				shifts[i] = retried[k]
			}
		}
	}
	s.Finish()

	for i, sh := range shifts {
		x := int(posX[i])
		y := int(posY[i])
		m.RecordDisplacement(x+ts/2, y+ts/2, sh.Dx, sh.Dy)
	}
	m.FilterAndSmooth()
	return m, nil
}

// warpResident uploads a map as a device grid, warps the frame through it
// and releases the grid before returning.
func warpResident(s *device.Session, frame *device.Frame, m *distortion.Map, lanczos bool) (*device.Frame, error) {
	grid, err := device.UploadGrid(s, m)
	if err != nil {
		return nil, err
	}
	defer grid.Close(s)
	return device.WarpFrame(s, frame, grid, lanczos)
}
