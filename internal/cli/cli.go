package cli

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"log/slog"

	"dedistort/internal/capture"
	"dedistort/internal/config"
	"dedistort/internal/pipeline"
	"dedistort/internal/server"
	"dedistort/internal/storage"
	"dedistort/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, catalogPath string, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, catalogPath string, log *slog.Logger) error {
	if real, ok := pipe.(*pipeline.Pipeline); ok {
		return server.Serve(ctx, addr, store, real, catalogPath, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

// sessionLister is the slice of the capture catalog the sessions command
// needs.
type sessionLister interface {
	RecentSessions(limit int) ([]capture.Session, error)
	Frames(sessionID int64) ([]capture.Frame, error)
	Close() error
}

type catalogOpener func(path string, log *slog.Logger) (sessionLister, error)

func defaultOpenCatalog(path string, log *slog.Logger) (sessionLister, error) {
	return capture.Open(path, log)
}

// frameWatcher is what the watch command drives.
type frameWatcher interface {
	Start()
	Stop()
}

type watcherFactory func(cfg config.Watch, pipe watch.Submitter, store *storage.Store, log *slog.Logger) (frameWatcher, error)

func defaultNewWatcher(cfg config.Watch, pipe watch.Submitter, store *storage.Store, log *slog.Logger) (frameWatcher, error) {
	return watch.New(cfg, pipe, store, log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	serveFn     serverFunc
	openCatalog catalogOpener
	newWatcher  watcherFactory
}

// NewRoot constructs the CLI wiring.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:    pl,
		cfg:         cfg,
		log:         logger,
		store:       store,
		serveFn:     defaultServe,
		openCatalog: defaultOpenCatalog,
		newWatcher:  defaultNewWatcher,
	}
}

// enqueueAndWait submits a job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	_, err := r.enqueueAndCollect(ctx, job)
	return err
}

// enqueueAndCollect is enqueueAndWait exposing the result metadata for
// commands that report on it.
func (r *Root) enqueueAndCollect(ctx context.Context, job pipeline.Job) (map[string]any, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return nil, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res.Meta, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
