package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"log/slog"

	"dedistort/internal/config"
	"dedistort/internal/device"
	"dedistort/internal/distortion"
	"dedistort/internal/engine"
	"dedistort/internal/fsutil"
	"dedistort/internal/imageio"
	"dedistort/internal/mono"
	"dedistort/internal/progress"
	"dedistort/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	reg    registrar
	frames frameIO
	engCfg *config.Engine
	sink   progress.Sink
}

type registrar interface {
	Run(req engine.Request, sink progress.Sink) (*engine.Result, error)
}

type frameIO interface {
	Read(path string) (*mono.Image, error)
	Write(path string, img *mono.Image) error
}

// magickIO is the production frameIO backed by ImageMagick.
type magickIO struct{}

func (magickIO) Read(path string) (*mono.Image, error)  { return imageio.ReadMono(path) }
func (magickIO) Write(path string, img *mono.Image) error { return imageio.WriteMono(path, img) }

func newRouter(logger *slog.Logger, store *storage.Store, engCfg *config.Engine, deviceCtx *device.Context, sink progress.Sink) Processor {
	if engCfg == nil {
		def := config.Default().Engine
		engCfg = &def
	}
	return &router{
		log:    logger,
		store:  store,
		reg:    engine.New(logger, deviceCtx),
		frames: magickIO{},
		engCfg: engCfg,
		sink:   sink,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobConsensus:
		return r.handleConsensus(ctx, job)
	case JobEstimate:
		return r.handleEstimate(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	paths, err := r.resolveFrames(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	refPath := getStringOption(job.Options, "reference")
	if refPath == "" {
		// First frame anchors the run when no reference is named.
		refPath = paths[0]
	}
	targets := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != refPath {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no target frames besides the reference in %s", job.InputPath)}
	}

	ref, err := r.frames.Read(refPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("reading reference: %w", err)}
	}
	imgs, err := r.readAll(targets)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.reg.Run(engine.Request{
		Mode:      engine.ModeSingle,
		Reference: ref,
		Targets:   imgs,
		Params:    r.engineParams(job.Options),
	}, r.jobSink(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outputs, err := r.writeResults(job, targets, res)
	meta := map[string]any{
		"reference": refPath,
		"frames":    len(targets),
		"outputs":   outputs,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleConsensus(ctx context.Context, job Job) Result {
	paths, err := r.resolveFrames(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(paths) < 2 {
		return Result{Job: job, Error: fmt.Errorf("consensus needs at least two frames, found %d in %s", len(paths), job.InputPath)}
	}

	imgs, err := r.readAll(paths)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.reg.Run(engine.Request{
		Mode:    engine.ModeConsensus,
		Targets: imgs,
		Params:  r.engineParams(job.Options),
	}, r.jobSink(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if r.store != nil {
		_ = r.store.RecordFrameSet(storage.FrameSetRecord{
			JobID:      job.ID,
			Mode:       string(JobConsensus),
			BasePath:   job.InputPath,
			FrameCount: len(paths),
		})
	}

	outputs, err := r.writeResults(job, paths, res)
	meta := map[string]any{
		"frames":  len(paths),
		"outputs": outputs,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleEstimate recommends a starting tile size, either from maps archived
// by a previous job or from a quick single pass over the input frames.
func (r *router) handleEstimate(ctx context.Context, job Job) Result {
	var maps []*distortion.Map

	if prior := getStringOption(job.Options, "job"); prior != "" {
		recs, err := r.store.MapsForJob(prior)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		for i := range recs {
			if recs[i].Kind != "map" {
				continue
			}
			rec, err := r.store.MapBlob(recs[i].ID)
			if err != nil {
				return Result{Job: job, Error: err}
			}
			m, err := storage.LoadMap(rec)
			if err != nil {
				return Result{Job: job, Error: err}
			}
			maps = append(maps, m)
		}
	} else {
		paths, err := r.resolveFrames(job)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		if len(paths) < 2 {
			return Result{Job: job, Error: fmt.Errorf("estimation needs at least two frames, found %d in %s", len(paths), job.InputPath)}
		}
		// A handful of frames is enough to probe the distortion scale.
		if len(paths) > 6 {
			paths = paths[:6]
		}
		ref, err := r.frames.Read(paths[0])
		if err != nil {
			return Result{Job: job, Error: err}
		}
		imgs, err := r.readAll(paths[1:])
		if err != nil {
			return Result{Job: job, Error: err}
		}
		p := r.engineParams(job.Options)
		p.Iterations = 1
		p.Refine = false
		res, err := r.reg.Run(engine.Request{
			Mode:      engine.ModeSingle,
			Reference: ref,
			Targets:   imgs,
			Params:    p,
		}, r.jobSink(job))
		if err != nil {
			return Result{Job: job, Error: err}
		}
		maps = res.Maps
	}

	ts, err := engine.RecommendTileSize(maps)
	meta := map[string]any{
		"tileSize": ts,
		"maps":     len(maps),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	paths, err := fsutil.ListFrames(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	sets := map[string]int{}
	for _, p := range paths {
		sets[filepath.Dir(p)]++
	}
	for dir, count := range sets {
		if r.store != nil {
			_ = r.store.RecordFrameSet(storage.FrameSetRecord{
				JobID:      job.ID,
				Mode:       string(JobScan),
				BasePath:   dir,
				FrameCount: count,
			})
		}
	}
	fits, sizeMB := fsutil.FitsInMemory(paths)
	meta := map[string]any{
		"frames":      len(paths),
		"sets":        len(sets),
		"estimatedMB": sizeMB,
		"inMemory":    fits,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// resolveFrames returns the frame list for a job, either the explicit
// "frames" option or a sorted scan of the input directory.
func (r *router) resolveFrames(job Job) ([]string, error) {
	if frames, ok := job.Options["frames"].([]string); ok && len(frames) > 0 {
		return frames, nil
	}
	if job.InputPath == "" {
		return nil, fmt.Errorf("job %s has no input path and no frame list", job.ID)
	}
	paths, err := fsutil.ListFrames(job.InputPath)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames found in %s", job.InputPath)
	}
	return paths, nil
}

func (r *router) readAll(paths []string) ([]*mono.Image, error) {
	imgs := make([]*mono.Image, len(paths))
	for i, p := range paths {
		img, err := r.frames.Read(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		imgs[i] = img
	}
	return imgs, nil
}

// writeResults stores corrected frames next to their inputs (or under the
// job output directory) and archives the maps and chains.
func (r *router) writeResults(job Job, inputs []string, res *engine.Result) ([]string, error) {
	format := getStringOption(job.Options, "format")
	if format == "" {
		format = r.engCfg.OutputFormat
	}
	ext := "." + format

	outputs := make([]string, 0, len(res.Images))
	for i, img := range res.Images {
		out := fsutil.OutputPath(inputs[i], job.Output, r.engCfg.OutputSuffix, ext)
		if err := r.frames.Write(out, img); err != nil {
			return outputs, fmt.Errorf("writing %s: %w", out, err)
		}
		outputs = append(outputs, out)

		if r.store != nil {
			_ = r.store.ArchiveMap(job.ID, inputs[i], res.Maps[i])
			_ = r.store.ArchiveChain(job.ID, inputs[i], res.Chains[i])
		}
	}
	return outputs, nil
}

func (r *router) engineParams(options map[string]any) engine.Params {
	cfg := *r.engCfg
	if preset := getStringOption(options, "preset"); preset != "" {
		if err := config.ApplyPreset(&cfg, preset, ""); err != nil {
			r.log.Warn("ignoring unknown preset", "preset", preset, "error", err)
		}
	}

	p := engine.Params{
		TileSize:        cfg.TileSize,
		Sampling:        cfg.Sampling,
		SignalThreshold: cfg.SignalThreshold,
		Iterations:      cfg.Iterations,
		Refine:          cfg.Refine,
		SamplingMode:    cfg.SamplingMode,
	}
	if ts := getIntOption(options, "tileSize"); ts > 0 {
		p.TileSize = ts
	}
	if s := getFloat64Option(options, "sampling"); s > 0 {
		p.Sampling = s
	}
	if th := getFloat64Option(options, "threshold"); th > 0 {
		p.SignalThreshold = th
	}
	if it := getIntOption(options, "iterations"); it > 0 {
		p.Iterations = it
	}
	if v, ok := options["refine"].(bool); ok {
		p.Refine = v
	}
	if m := getStringOption(options, "samplingMode"); m != "" {
		p.SamplingMode = m
	}
	return p
}

func (r *router) jobSink(job Job) progress.Sink {
	if r.sink == nil {
		return nil
	}
	return progress.SinkFunc(func(taskPath string, fraction float64) {
		r.sink.ProgressChanged(job.ID+"/"+taskPath, fraction)
	})
}

// Helper functions to safely extract typed options from job.Options map.
// Numeric options arrive as float64 when they were decoded from JSON.
func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) int {
	switch val := options[key].(type) {
	case int:
		return val
	case float64:
		return int(val)
	}
	return 0
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}
