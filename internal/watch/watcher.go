// Package watch monitors a capture drop directory and feeds settled
// frame batches into the processing pipeline.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"log/slog"

	"dedistort/internal/config"
	"dedistort/internal/fsutil"
	"dedistort/internal/pipeline"
	"dedistort/internal/storage"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultBatchSize    = 20
	defaultSettleMillis = 500
	// Consensus cannot run on fewer frames, smaller leftovers wait for
	// the next batch.
	minConsensusBatch = 2
)

// Submitter accepts jobs for processing. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher turns frame drops into registration jobs. A frame counts as
// complete once no write has touched it for the settle interval, so
// half-written captures never enter a batch.
type Watcher struct {
	cfg     config.Watch
	watcher *fsnotify.Watcher
	pipe    Submitter
	store   *storage.Store
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	settled []string
	batchN  int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for cfg.Directory. The directory must exist.
func New(cfg config.Watch, pipe Submitter, store *storage.Store, log *slog.Logger) (*Watcher, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("watch: no directory configured")
	}
	if cfg.Mode == "single" && cfg.ReferencePath == "" {
		return nil, fmt.Errorf("watch: single mode needs a reference frame")
	}
	if cfg.BatchSize < minConsensusBatch {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.SettleMillis <= 0 {
		cfg.SettleMillis = defaultSettleMillis
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.Directory); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Directory, err)
	}

	return &Watcher{
		cfg:     cfg,
		watcher: fw,
		pipe:    pipe,
		store:   store,
		log:     log,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring. It returns immediately.
func (w *Watcher) Start() {
	w.log.Info("watching capture directory",
		"dir", w.cfg.Directory, "mode", w.cfg.Mode, "batch_size", w.cfg.BatchSize)

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
}

// Stop halts monitoring and dispatches any settled leftovers.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	// Whatever was still settling is abandoned, but frames that already
	// settled deserve one final batch.
	for path := range w.pending {
		delete(w.pending, path)
	}
	leftovers := w.takeBatchLocked(minConsensusBatch)
	w.mu.Unlock()
	if leftovers != nil {
		w.dispatch(leftovers)
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}
			w.noteFrame(event.Name, event.Op&fsnotify.Create != 0)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) noteFrame(path string, created bool) {
	w.mu.Lock()
	_, known := w.pending[path]
	w.pending[path] = time.Now()
	w.mu.Unlock()

	if created && !known {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		if w.store != nil {
			_ = w.store.RecordCaptureEvent(path, "created", size)
		}
		w.log.Debug("frame dropped", "path", path, "size", size)
	}
}

// settleLoop promotes quiet files to the settled list and cuts batches.
func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	settle := time.Duration(w.cfg.SettleMillis) * time.Millisecond
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if batch := w.collectSettled(time.Now(), settle); batch != nil {
				w.dispatch(batch)
			}
		}
	}
}

// collectSettled moves files quiet since before now-settle into the
// settled list and returns a full batch when one is ready.
func (w *Watcher) collectSettled(now time.Time, settle time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	for path, last := range w.pending {
		if now.Sub(last) >= settle {
			fresh = append(fresh, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(fresh)
	w.settled = append(w.settled, fresh...)

	return w.takeBatchLocked(w.cfg.BatchSize)
}

func (w *Watcher) takeBatchLocked(min int) []string {
	if len(w.settled) < min {
		return nil
	}
	n := len(w.settled)
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	batch := w.settled[:n:n]
	w.settled = w.settled[n:]
	return batch
}

func (w *Watcher) dispatch(frames []string) {
	w.batchN++
	job := pipeline.Job{
		ID:      fmt.Sprintf("watch-%s-%04d", time.Now().Format("20060102T150405"), w.batchN),
		Type:    pipeline.JobConsensus,
		Output:  filepath.Join(w.cfg.Directory, "registered"),
		Options: map[string]any{"frames": frames},
	}
	if w.cfg.Mode == "single" {
		job.Type = pipeline.JobRegister
		job.Options["reference"] = w.cfg.ReferencePath
		job.Options["frames"] = append([]string{w.cfg.ReferencePath}, frames...)
	}

	if err := os.MkdirAll(job.Output, 0o755); err != nil {
		w.log.Error("creating output directory", "dir", job.Output, "error", err)
		return
	}

	if err := w.pipe.Submit(job); err != nil {
		w.log.Error("submitting watch batch", "job", job.ID, "frames", len(frames), "error", err)
		return
	}

	if w.store != nil {
		for _, f := range frames {
			_ = w.store.MarkRegistered(f)
		}
	}
	w.log.Info("batch submitted", "job", job.ID, "mode", string(job.Type), "frames", len(frames))
}
