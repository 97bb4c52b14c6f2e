package tiles

import (
	"log/slog"

	"dedistort/internal/device"
)

const (
	// DeviceMinPositions is the candidate count below which kernel launch
	// overhead outweighs the transfer savings.
	DeviceMinPositions = 1000

	// bytesPerTileElement is the correlation working-set estimate per tile
	// pixel: two complex inputs, a scratch spectrum and the result triples.
	bytesPerTileElement = 36

	// minCorrelationBatch keeps batches large enough to amortize dispatch
	// even on tiny devices.
	minCorrelationBatch = 100
)

// UseDevice is the routing decision for one extraction pass. It is a pure
// function of static capabilities and request geometry; it must never probe
// transient host state, which would make the device/CPU work split differ
// between identical runs.
func UseDevice(caps device.Capabilities, tileSize, candidates int) bool {
	if candidates < DeviceMinPositions {
		return false
	}
	switch tileSize {
	case 32:
		return caps.MaxWorkGroupSize >= 1024
	case 64, 128:
		return caps.MaxWorkGroupSize >= 256
	default:
		return false
	}
}

// CorrelationBatchSize returns how many tile pairs one correlation launch
// may carry: half the device allocation limit divided by the per-tile
// working set, floored at minCorrelationBatch. Static inputs only.
func CorrelationBatchSize(caps device.Capabilities, tileSize int) int {
	budget := caps.MaxAllocBytes / 2
	perTile := int64(tileSize) * int64(tileSize) * bytesPerTileElement
	n := int(budget / perTile)
	if n < minCorrelationBatch {
		n = minCorrelationBatch
	}
	return n
}

// Router selects a backend per request and demotes device failures to the
// CPU path for that call only; the next request decides afresh.
type Router struct {
	cpu    CPUBackend
	device *DeviceBackend
	ctx    *device.Context
	log    *slog.Logger
}

// NewRouter builds a router. ctx may be nil, which pins every request to
// the CPU backend.
func NewRouter(ctx *device.Context, log *slog.Logger) *Router {
	r := &Router{ctx: ctx, log: log}
	if ctx != nil {
		r.device = NewDeviceBackend(ctx)
	}
	return r
}

// DeviceAvailable reports whether a device context is attached.
func (r *Router) DeviceAvailable() bool { return r.ctx != nil }

// Capabilities returns the attached device capabilities, or the zero value
// without a device.
func (r *Router) Capabilities() device.Capabilities {
	if r.ctx == nil {
		return device.Capabilities{}
	}
	return r.ctx.Capabilities()
}

// Extract routes the request. A device failure is logged, recorded on the
// context's error log, and answered by the CPU backend; correctness never
// depends on the device.
func (r *Router) Extract(req Request) (Batch, error) {
	if r.ctx != nil && UseDevice(r.ctx.Capabilities(), req.TileSize, req.CandidateCount()) {
		batch, err := r.device.Extract(req)
		if err == nil {
			return batch, nil
		}
		r.ctx.NoteError(err)
		r.log.Warn("device tile extraction failed, falling back to cpu",
			"tile_size", req.TileSize,
			"candidates", req.CandidateCount(),
			"error", err)
	}
	return r.cpu.Extract(req)
}
