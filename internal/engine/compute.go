package engine

import (
	"dedistort/internal/correlation"
	"dedistort/internal/device"
	"dedistort/internal/distortion"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
	"dedistort/internal/tiles"
)

// computeMap measures displacements from ref to target at the positions the
// run's sampling strategy selects, at one tile size, and returns a filtered
// and smoothed map. Grid mode records straight into the dense grid, where
// gated-out positions keep a zero seed so they anchor the field
// interpolation near empty regions; interest mode accumulates the scattered
// measurements in a confidence-weighted sparse field and resamples it onto
// the grid.
func (o *Orchestrator) computeMap(ref, target *mono.Image, tileSize int, p Params, op *progress.Operation) (*distortion.Map, error) {
	ts := tileSize
	if ts < AbsoluteMinTileSize {
		ts = AbsoluteMinTileSize
	}
	sampler := p.sampler()
	step := sampler.OutputGridStep(ts, p.Sampling)

	pos := sampler.SelectPositions(ref, ts, p.SignalThreshold)
	op.Update(0.05)

	var batch tiles.Batch
	var shifts []correlation.Shift
	if pos.Count > 0 {
		// The strategies pick centers on the reference; the extractor
		// re-gates the top-left corners against both images so pair
		// measurements stay symmetric.
		posX := make([]int, pos.Count)
		posY := make([]int, pos.Count)
		for i := 0; i < pos.Count; i++ {
			posX[i] = pos.X[i] - ts/2
			posY[i] = pos.Y[i] - ts/2
		}
		var err error
		batch, err = o.tiles.Extract(tiles.Request{
			Ref:       ref,
			Target:    target,
			TileSize:  ts,
			Increment: step,
			Threshold: p.SignalThreshold,
			PosX:      posX,
			PosY:      posY,
		})
		if err != nil {
			return nil, err
		}
		op.Update(0.3)
		shifts = o.correlate(batch, op)
	}

	if p.SamplingMode == SamplingInterest {
		b := distortion.NewSparseFieldBuilder(ref.Width, ref.Height).BaseTileSize(ts)
		for i, sh := range shifts {
			b.AddSample(float64(batch.X[i]+ts/2), float64(batch.Y[i]+ts/2), sh.Dx, sh.Dy, ts, sh.Confidence)
		}
		op.Update(0.9)
		m := b.Build().ToRegularGrid(step)
		op.Complete()
		return m, nil
	}

	m := distortion.NewMap(ref.Width, ref.Height, ts, step)
	for y := 0; y+ts <= ref.Height; y += step {
		for x := 0; x+ts <= ref.Width; x += step {
			m.RecordDisplacement(x+ts/2, y+ts/2, 0, 0)
		}
	}
	for i, sh := range shifts {
		m.RecordDisplacement(batch.X[i]+ts/2, batch.Y[i]+ts/2, sh.Dx, sh.Dy)
	}
	op.Update(0.9)

	m.FilterAndSmooth()
	op.Complete()
	return m, nil
}

// correlate runs the tile batch through the device kernels when the routing
// gate allows it and falls back to the CPU strategy otherwise. The fallback
// is also taken when the device errors mid-run; the batch is then recomputed
// from scratch on the CPU, which is wasteful but keeps results identical.
// The device flow reproduces the adaptive retry schedule, so a custom
// strategy keeps its batches on the CPU where routing cannot change its
// results.
func (o *Orchestrator) correlate(b tiles.Batch, op *progress.Operation) []correlation.Shift {
	n := b.Len()
	if n == 0 {
		return nil
	}
	if o.deviceEligible() && tiles.UseDevice(o.ctx.Capabilities(), b.TileSize, n) {
		shifts, err := o.correlateOnDevice(b, op)
		if err == nil {
			return shifts
		}
		o.ctx.NoteError(err)
		o.log.Warn("device correlation failed, falling back to cpu",
			"tiles", n, "tile_size", b.TileSize, "error", err)
	}
	return o.strategy.CorrelateBatch(b.RefTiles, b.TargetTiles, b.TileSize)
}

// deviceEligible reports whether device correlation may be attempted at all.
func (o *Orchestrator) deviceEligible() bool {
	if o.ctx == nil {
		return false
	}
	_, adaptive := o.strategy.(correlation.AdaptiveStrategy)
	return adaptive
}

// correlateOnDevice mirrors AdaptiveStrategy.CorrelateBatch with device
// kernels: a phase pass over the whole batch, then a cross-correlation
// retry on the weakest tiles, replacing a result only on strictly higher
// confidence. The retry set is selected over the full batch, never per
// chunk, so chunking cannot change which tiles are retried.
func (o *Orchestrator) correlateOnDevice(b tiles.Batch, op *progress.Operation) ([]correlation.Shift, error) {
	caps := o.ctx.Capabilities()
	chunk := tiles.CorrelationBatchSize(caps, b.TileSize)
	shifts := make([]correlation.Shift, b.Len())

	err := o.ctx.ExecuteWithLock(func(s *device.Session) error {
		phase, err := s.Kernel("correlation", "batched_phase")
		if err != nil {
			return err
		}
		cross, err := s.Kernel("correlation", "batched_cross")
		if err != nil {
			return err
		}
		stage, err := newBatchStage(s, chunk, b.TileSize)
		if err != nil {
			return err
		}
		defer stage.release(s)

		if err := stage.dispatch(s, phase, b.RefTiles, b.TargetTiles, shifts, func(done, total int) {
			op.Update(0.3 + 0.5*float64(done)/float64(total))
		}); err != nil {
			return err
		}

		retry := correlation.FallbackCandidates(shifts)
		if len(retry) > 0 {
			refs := make([][]float32, len(retry))
			tgts := make([][]float32, len(retry))
			for k, i := range retry {
				refs[k] = b.RefTiles[i]
				tgts[k] = b.TargetTiles[i]
			}
			retried := make([]correlation.Shift, len(retry))
			if err := stage.dispatch(s, cross, refs, tgts, retried, nil); err != nil {
				return err
			}
			for k, i := range retry {
				if retried[k].Confidence > shifts[i].Confidence {
					shifts[i] = retried[k]
				}
			}
		}
		op.Update(0.85)
		s.Finish()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shifts, nil
}

// batchStage owns the staging buffers for chunked batch correlation
// dispatches. The chunk size depends only on device capabilities and tile
// size, never on the batch itself, so allocation patterns are identical
// from run to run.
type batchStage struct {
	chunk, area      int
	tileSize         int
	refFlat, tgtFlat []float32
	out              []float32
	refBuf, tgtBuf   device.Buffer
	outBuf           device.Buffer
}

func newBatchStage(s *device.Session, chunk, tileSize int) (*batchStage, error) {
	area := tileSize * tileSize
	st := &batchStage{
		chunk:    chunk,
		area:     area,
		tileSize: tileSize,
		refFlat:  make([]float32, chunk*area),
		tgtFlat:  make([]float32, chunk*area),
		out:      make([]float32, chunk*3),
	}
	var err error
	if st.refBuf, err = s.Allocate(chunk * area); err != nil {
		return nil, err
	}
	if st.tgtBuf, err = s.Allocate(chunk * area); err != nil {
		s.Release(st.refBuf)
		return nil, err
	}
	if st.outBuf, err = s.Allocate(chunk * 3); err != nil {
		s.Release(st.refBuf)
		s.Release(st.tgtBuf)
		return nil, err
	}
	return st, nil
}

func (st *batchStage) release(s *device.Session) {
	s.Release(st.refBuf)
	s.Release(st.tgtBuf)
	s.Release(st.outBuf)
}

// dispatch runs one kernel over all tile pairs in chunks, writing a Shift
// per pair into shifts. progress may be nil.
func (st *batchStage) dispatch(s *device.Session, kern *device.Kernel, refs, tgts [][]float32, shifts []correlation.Shift, progress func(done, total int)) error {
	total := len(refs)
	for start := 0; start < total; start += st.chunk {
		end := start + st.chunk
		if end > total {
			end = total
		}
		count := end - start
		for i := 0; i < count; i++ {
			copy(st.refFlat[i*st.area:(i+1)*st.area], refs[start+i])
			copy(st.tgtFlat[i*st.area:(i+1)*st.area], tgts[start+i])
		}
		if err := s.Write(st.refBuf, st.refFlat[:count*st.area]); err != nil {
			return err
		}
		if err := s.Write(st.tgtBuf, st.tgtFlat[:count*st.area]); err != nil {
			return err
		}
		if err := kern.Run(st.refBuf, st.tgtBuf, st.outBuf, count, st.tileSize); err != nil {
			return err
		}
		if err := s.Read(st.outBuf, st.out[:count*3]); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			shifts[start+i] = correlation.Shift{
				Dx:         float64(st.out[i*3]),
				Dy:         float64(st.out[i*3+1]),
				Confidence: float64(st.out[i*3+2]),
			}
		}
		if progress != nil {
			progress(end, total)
		}
	}
	return nil
}
