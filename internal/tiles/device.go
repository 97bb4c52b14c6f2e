package tiles

import (
	"fmt"

	"dedistort/internal/device"
)

// DeviceBackend runs the whole extraction pipeline on the device: both
// images are uploaded once, integral images and signal gating happen in
// kernels, a prefix sum compacts the survivors, and only the final tile
// buffers come back. Host traffic is O(1) in the tile count instead of
// O(tiles).
type DeviceBackend struct {
	ctx *device.Context
}

// NewDeviceBackend wraps a device context.
func NewDeviceBackend(ctx *device.Context) *DeviceBackend {
	return &DeviceBackend{ctx: ctx}
}

// Name implements Backend.
func (*DeviceBackend) Name() string { return "device" }

// releaseStack collects allocated buffers so every exit path can free them
// in one deferred call, including paths where only some allocations
// succeeded.
type releaseStack struct {
	s    *device.Session
	bufs []device.Buffer
}

func (r *releaseStack) alloc(n int) (device.Buffer, error) {
	buf, err := r.s.Allocate(n)
	if err != nil {
		return 0, err
	}
	r.bufs = append(r.bufs, buf)
	return buf, nil
}

func (r *releaseStack) releaseAll() {
	for i := len(r.bufs) - 1; i >= 0; i-- {
		_ = r.s.Release(r.bufs[i])
	}
	r.bufs = r.bufs[:0]
}

// Extract implements Backend.
func (b *DeviceBackend) Extract(req Request) (Batch, error) {
	var batch Batch
	err := b.ctx.ExecuteWithLock(func(s *device.Session) error {
		var err error
		batch, err = extractOnDevice(s, req)
		return err
	})
	return batch, err
}

func extractOnDevice(s *device.Session, req Request) (Batch, error) {
	w, h := req.Ref.Width, req.Ref.Height
	ts := req.TileSize
	pixels := w * h

	guard := &releaseStack{s: s}
	defer guard.releaseAll()

	refBuf, err := guard.alloc(pixels)
	if err != nil {
		return Batch{}, err
	}
	tgtBuf, err := guard.alloc(pixels)
	if err != nil {
		return Batch{}, err
	}
	if err := s.Write(refBuf, req.Ref.Pix); err != nil {
		return Batch{}, err
	}
	if err := s.Write(tgtBuf, req.Target.Pix); err != nil {
		return Batch{}, err
	}

	satRef, err := integralOnDevice(s, guard, refBuf, w, h)
	if err != nil {
		return Batch{}, err
	}
	satTgt, err := integralOnDevice(s, guard, tgtBuf, w, h)
	if err != nil {
		return Batch{}, err
	}

	// Candidate grid, generated host-side: the positions are pure index
	// arithmetic and two small uploads cost less than a kernel launch.
	posXHost, posYHost := candidatePositions(req)
	count := len(posXHost)
	if count == 0 {
		return Batch{TileSize: ts}, nil
	}

	posX, err := guard.alloc(count)
	if err != nil {
		return Batch{}, err
	}
	posY, err := guard.alloc(count)
	if err != nil {
		return Batch{}, err
	}
	if err := s.Write(posX, posXHost); err != nil {
		return Batch{}, err
	}
	if err := s.Write(posY, posYHost); err != nil {
		return Batch{}, err
	}

	flags, err := guard.alloc(count)
	if err != nil {
		return Batch{}, err
	}
	filter, err := s.Kernel("tile_extraction", "filter_positions_by_signal")
	if err != nil {
		return Batch{}, err
	}
	if err := filter.Run(satRef, satTgt, posX, posY, flags, count, ts, w, h, float32(req.Threshold)); err != nil {
		return Batch{}, err
	}

	indices, err := guard.alloc(count)
	if err != nil {
		return Batch{}, err
	}
	countOut, err := guard.alloc(1)
	if err != nil {
		return Batch{}, err
	}
	prefix, err := s.Kernel("tile_extraction", "compute_tile_indices")
	if err != nil {
		return Batch{}, err
	}
	if err := prefix.Run(flags, indices, countOut, count); err != nil {
		return Batch{}, err
	}
	s.Finish()

	total := make([]float32, 1)
	if err := s.Read(countOut, total); err != nil {
		return Batch{}, err
	}
	valid := int(total[0])
	if valid == 0 {
		return Batch{TileSize: ts}, nil
	}

	area := ts * ts
	refTiles, err := guard.alloc(valid * area)
	if err != nil {
		return Batch{}, err
	}
	tgtTiles, err := guard.alloc(valid * area)
	if err != nil {
		return Batch{}, err
	}
	outX, err := guard.alloc(valid)
	if err != nil {
		return Batch{}, err
	}
	outY, err := guard.alloc(valid)
	if err != nil {
		return Batch{}, err
	}
	extract, err := s.Kernel("tile_extraction", "extract_tiles")
	if err != nil {
		return Batch{}, err
	}
	if err := extract.Run(refBuf, tgtBuf, posX, posY, flags, indices, refTiles, tgtTiles, outX, outY, count, ts, w, h); err != nil {
		return Batch{}, err
	}
	s.Finish()

	return downloadBatch(s, refTiles, tgtTiles, outX, outY, valid, ts)
}

// integralOnDevice builds the inclusive summed-area table of a frame with
// the horizontal-then-vertical kernel pair.
func integralOnDevice(s *device.Session, guard *releaseStack, img device.Buffer, w, h int) (device.Buffer, error) {
	tmp, err := guard.alloc(w * h)
	if err != nil {
		return 0, err
	}
	sat, err := guard.alloc(w * h)
	if err != nil {
		return 0, err
	}
	horizontal, err := s.Kernel("tile_extraction", "integral_image_horizontal")
	if err != nil {
		return 0, err
	}
	if err := horizontal.Run(img, tmp, w, h); err != nil {
		return 0, err
	}
	vertical, err := s.Kernel("tile_extraction", "integral_image_vertical")
	if err != nil {
		return 0, err
	}
	if err := vertical.Run(tmp, sat, w, h); err != nil {
		return 0, err
	}
	return sat, nil
}

func candidatePositions(req Request) (xs, ys []float32) {
	cx, cy := req.candidates()
	xs = make([]float32, len(cx))
	ys = make([]float32, len(cy))
	for i := range cx {
		xs[i] = float32(cx[i])
		ys[i] = float32(cy[i])
	}
	return xs, ys
}

func downloadBatch(s *device.Session, refTiles, tgtTiles, outX, outY device.Buffer, valid, ts int) (Batch, error) {
	area := ts * ts
	refFlat := make([]float32, valid*area)
	tgtFlat := make([]float32, valid*area)
	xs := make([]float32, valid)
	ys := make([]float32, valid)
	if err := s.Read(refTiles, refFlat); err != nil {
		return Batch{}, err
	}
	if err := s.Read(tgtTiles, tgtFlat); err != nil {
		return Batch{}, err
	}
	if err := s.Read(outX, xs); err != nil {
		return Batch{}, err
	}
	if err := s.Read(outY, ys); err != nil {
		return Batch{}, err
	}

	batch := Batch{
		TileSize:    ts,
		RefTiles:    make([][]float32, valid),
		TargetTiles: make([][]float32, valid),
		X:           make([]int, valid),
		Y:           make([]int, valid),
	}
	for i := 0; i < valid; i++ {
		batch.RefTiles[i] = refFlat[i*area : (i+1)*area]
		batch.TargetTiles[i] = tgtFlat[i*area : (i+1)*area]
		batch.X[i] = int(xs[i])
		batch.Y[i] = int(ys[i])
	}
	if len(batch.RefTiles) != valid {
		return Batch{}, fmt.Errorf("tiles: compacted %d tiles, expected %d", len(batch.RefTiles), valid)
	}
	return batch, nil
}
