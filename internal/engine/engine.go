// Package engine drives registration: it selects sample positions, extracts
// and correlates tiles, accumulates displacement fields and warps images,
// with multi-level refinement, iteration convergence checks and a consensus
// mode for frame sets without a privileged reference.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"dedistort/internal/correlation"
	"dedistort/internal/device"
	"dedistort/internal/distortion"
	"dedistort/internal/fftutil"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
	"dedistort/internal/sampling"
	"dedistort/internal/tiles"
)

const (
	// MinTileSize is the refinement floor: levels stop halving at 32 px,
	// below which windowed phase correlation loses too much signal.
	MinTileSize = 32

	// AbsoluteMinTileSize is the smallest window ever correlated.
	AbsoluteMinTileSize = 16

	// MinStep is the smallest grid stride between samples.
	MinStep = 8

	// convergenceThreshold stops iterating once the relative improvement
	// of total distortion drops below one percent.
	convergenceThreshold = 0.01
)

// Mode selects the registration algorithm explicitly; nothing is inferred
// from image metadata.
type Mode int

const (
	// ModeSingle registers every target against one reference image.
	ModeSingle Mode = iota
	// ModeConsensus estimates each frame's intrinsic distortion from
	// pairwise comparisons, with no privileged reference.
	ModeConsensus
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeConsensus:
		return "consensus"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Sampling strategy names accepted by Params.SamplingMode.
const (
	SamplingGrid     = "grid"
	SamplingInterest = "interest"
)

// Params are the tunables of one registration run.
type Params struct {
	TileSize        int
	Sampling        float64
	SignalThreshold float64
	Iterations      int
	Refine          bool

	// SamplingMode selects tile placement: SamplingGrid measures on a
	// uniform grid, SamplingInterest at gradient interest points with the
	// scattered measurements resampled through a confidence-weighted
	// sparse field. Empty means SamplingGrid.
	SamplingMode string
}

// DefaultParams returns the standard registration settings.
func DefaultParams() Params {
	return Params{
		TileSize:        32,
		Sampling:        0.5,
		SignalThreshold: 1,
		Iterations:      1,
		Refine:          true,
		SamplingMode:    SamplingGrid,
	}
}

// withDefaults fills unset numeric fields. Refine keeps its explicit value.
func (p Params) withDefaults() Params {
	if p.TileSize == 0 {
		p.TileSize = 32
	}
	if p.Sampling == 0 {
		p.Sampling = 0.5
	}
	if p.SignalThreshold == 0 {
		p.SignalThreshold = 1
	}
	if p.Iterations == 0 {
		p.Iterations = 1
	}
	if p.SamplingMode == "" {
		p.SamplingMode = SamplingGrid
	}
	return p
}

// ErrBadParams reports invalid registration parameters.
var ErrBadParams = errors.New("engine: invalid parameters")

func (p Params) validate() error {
	if p.TileSize < 4 || !fftutil.IsPowerOfTwo(p.TileSize) {
		return fmt.Errorf("%w: tile size %d must be a power of two >= 4", ErrBadParams, p.TileSize)
	}
	if p.Sampling <= 0 || p.Sampling > 4 {
		return fmt.Errorf("%w: sampling ratio %v out of range (0, 4]", ErrBadParams, p.Sampling)
	}
	if p.Iterations < 1 {
		return fmt.Errorf("%w: iteration count %d must be at least 1", ErrBadParams, p.Iterations)
	}
	switch p.SamplingMode {
	case SamplingGrid, SamplingInterest:
	default:
		return fmt.Errorf("%w: sampling mode %q is not %q or %q", ErrBadParams, p.SamplingMode, SamplingGrid, SamplingInterest)
	}
	return nil
}

// step returns the sampling grid stride for a tile size.
func (p Params) step(tileSize int) int {
	s := int(float64(tileSize) * p.Sampling)
	if s < MinStep {
		s = MinStep
	}
	return s
}

// sampler returns the tile placement strategy for the run.
func (p Params) sampler() sampling.Strategy {
	if p.SamplingMode == SamplingInterest {
		return sampling.NewInterestPointStrategy(false)
	}
	return sampling.NewGridStrategy(p.Sampling)
}

// Request is one registration job.
type Request struct {
	Mode      Mode
	Reference *mono.Image
	Targets   []*mono.Image
	Params    Params
}

// Result carries the corrected images, one per target (or per input frame
// in consensus mode), the per-image correction chains, and the final
// synthesized map per image.
type Result struct {
	Images []*mono.Image
	Chains []*distortion.Chain
	Maps   []*distortion.Map
}

// Orchestrator runs registration requests. It is safe for sequential use;
// concurrent runs must use separate orchestrators sharing one device
// context is fine because device work is lock-scoped.
type Orchestrator struct {
	log      *slog.Logger
	ctx      *device.Context
	tiles    *tiles.Router
	strategy correlation.Strategy
}

// New builds an orchestrator. ctx may be nil, which keeps every operation
// on the CPU.
func New(log *slog.Logger, ctx *device.Context) *Orchestrator {
	return &Orchestrator{
		log:      log,
		ctx:      ctx,
		tiles:    tiles.NewRouter(ctx, log),
		strategy: correlation.AdaptiveStrategy{},
	}
}

// WithStrategy overrides the correlation strategy.
func (o *Orchestrator) WithStrategy(s correlation.Strategy) *Orchestrator {
	o.strategy = s
	return o
}

// Run executes a registration request, reporting progress to sink (which
// may be nil).
func (o *Orchestrator) Run(req Request, sink progress.Sink) (*Result, error) {
	p := req.Params.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: no target images", ErrBadParams)
	}

	switch req.Mode {
	case ModeConsensus:
		if err := checkSameSize(req.Targets); err != nil {
			return nil, err
		}
		return o.runConsensus(req.Targets, p, progress.Root(sink, "consensus"))
	case ModeSingle:
		if req.Reference == nil {
			return nil, fmt.Errorf("%w: single mode needs a reference image", ErrBadParams)
		}
		for i, tgt := range req.Targets {
			if !req.Reference.SameSize(tgt) {
				return nil, fmt.Errorf("%w: target %d is %dx%d, reference is %dx%d",
					ErrBadParams, i, tgt.Width, tgt.Height, req.Reference.Width, req.Reference.Height)
			}
		}
		return o.runSingle(req.Reference, req.Targets, p, progress.Root(sink, "register"))
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrBadParams, int(req.Mode))
	}
}

func checkSameSize(images []*mono.Image) error {
	for i, img := range images[1:] {
		if !images[0].SameSize(img) {
			return fmt.Errorf("%w: image %d is %dx%d, image 0 is %dx%d",
				ErrBadParams, i+1, img.Width, img.Height, images[0].Width, images[0].Height)
		}
	}
	return nil
}

// RecommendTileSize estimates the dominant turbulence scale of previously
// computed maps and returns it as a suggested registration tile size.
func RecommendTileSize(maps []*distortion.Map) (int, error) {
	return distortion.EstimateTurbulenceScale(maps)
}
