package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"dedistort/internal/config"
	"dedistort/internal/pipeline"
	"dedistort/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return buildRootCmd(NewRoot(pipe, cfg, log, store))
}

func buildRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dedistort",
		Short: "Dedistort removes atmospheric distortion from image sequences",
		Long: `Dedistort measures local displacements between frames with tiled
correlation and warps each frame back onto a stable geometry. It registers
frames against a chosen reference or, without one, derives each frame's
intrinsic distortion from pairwise consensus.`,
	}

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newConsensusCmd(root))
	rootCmd.AddCommand(newEstimateCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newMapsCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// engineFlags holds the per-command registration parameters shared by
// register, consensus and estimate.
type engineFlags struct {
	tileSize   int
	sampling   float64
	threshold  float64
	iterations int
	noRefine   bool
	preset     string
	format     string
}

func (f *engineFlags) register(cmd *cobra.Command, root *Root) {
	e := root.cfg.Engine
	cmd.Flags().IntVar(&f.tileSize, "tile-size", e.TileSize, "correlation tile size, power of two")
	cmd.Flags().Float64Var(&f.sampling, "sampling", e.Sampling, "grid stride as a fraction of tile size (0, 1]")
	cmd.Flags().Float64Var(&f.threshold, "threshold", e.SignalThreshold, "minimum tile mean before a tile is correlated")
	cmd.Flags().IntVar(&f.iterations, "iterations", e.Iterations, "refinement passes per level")
	cmd.Flags().BoolVar(&f.noRefine, "no-refine", !e.Refine, "disable tile-size halving between levels")
	cmd.Flags().StringVar(&f.preset, "preset", e.Preset, "named parameter preset (planetary|solar-surface|lunar)")
	cmd.Flags().StringVar(&f.format, "format", e.OutputFormat, "output format (tiff|png|fits)")
}

func (f *engineFlags) options() map[string]any {
	return map[string]any{
		"tileSize":   f.tileSize,
		"sampling":   f.sampling,
		"threshold":  f.threshold,
		"iterations": f.iterations,
		"refine":     !f.noRefine,
		"preset":     f.preset,
		"format":     f.format,
		"source":     "cli",
	}
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		flags     engineFlags
		reference string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "register <input_directory>",
		Short: "Register frames against a reference image",
		Long: `Register every frame in a directory against one reference frame.
Without --reference the first frame (sorted by name) anchors the run.

Examples:
  # Register a solar capture against its sharpest frame
  dedistort register /captures/sun --reference /captures/sun/f0412.tif -o /captures/sun/reg

  # Planetary preset with a custom tile size
  dedistort register /captures/jupiter --preset planetary --tile-size 32`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = defaultOutputDir(root, input)
			}
			if err := os.MkdirAll(output, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}

			opts := flags.options()
			if reference != "" {
				opts["reference"] = reference
			}

			job := pipeline.Job{
				ID:        newID("reg"),
				Type:      pipeline.JobRegister,
				InputPath: input,
				Output:    output,
				Options:   opts,
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	flags.register(cmd, root)
	cmd.Flags().StringVar(&reference, "reference", "", "reference frame path (first frame if empty)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for corrected frames")

	return cmd
}

func newConsensusCmd(root *Root) *cobra.Command {
	var (
		flags  engineFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "consensus <input_directory>",
		Short: "Register a frame set without a privileged reference",
		Long: `Estimate each frame's intrinsic distortion from pairwise comparisons
across the whole set, then correct every frame. No frame is privileged, so
the shared atmospheric component cancels instead of being baked in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = defaultOutputDir(root, input)
			}
			if err := os.MkdirAll(output, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}

			job := pipeline.Job{
				ID:        newID("cons"),
				Type:      pipeline.JobConsensus,
				InputPath: input,
				Output:    output,
				Options:   flags.options(),
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	flags.register(cmd, root)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for corrected frames")

	return cmd
}

func newEstimateCmd(root *Root) *cobra.Command {
	var (
		flags    engineFlags
		priorJob string
	)

	cmd := &cobra.Command{
		Use:   "estimate [input_directory]",
		Short: "Recommend a starting tile size for a frame set",
		Long: `Probe the dominant spatial scale of the distortion and recommend a
starting tile size. With --job the estimate runs over maps archived by a
previous registration instead of fresh frames.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) > 0 {
				input = args[0]
			}
			if input == "" && priorJob == "" {
				return fmt.Errorf("estimate needs an input directory or --job")
			}

			opts := flags.options()
			if priorJob != "" {
				opts["job"] = priorJob
			}

			job := pipeline.Job{
				ID:        newID("est"),
				Type:      pipeline.JobEstimate,
				InputPath: input,
				Options:   opts,
			}
			meta, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("recommended tile size: %v (from %v maps)\n", meta["tileSize"], meta["maps"])
			return nil
		},
	}

	flags.register(cmd, root)
	cmd.Flags().StringVar(&priorJob, "job", "", "estimate from maps archived by this job id")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Scan a directory tree for frame sets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			}
			meta, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("found %v frames in %v sets\n", meta["frames"], meta["sets"])
			return nil
		},
	}
}

func newMapsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "Inspect the distortion map archive",
	}

	var (
		jobID string
		limit int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived maps and chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				recs []storage.MapRecord
				err  error
			)
			if jobID != "" {
				recs, err = root.store.MapsForJob(jobID)
			} else {
				recs, err = root.store.RecentMaps(limit)
			}
			if err != nil {
				return err
			}
			for _, rec := range recs {
				cmd.Printf("%6d  %-5s  tile %3d  step %3d  %8.3f px  %s  %s\n",
					rec.ID, rec.Kind, rec.TileSize, rec.Step, rec.TotalDistortion, rec.JobID, rec.FramePath)
			}
			if len(recs) == 0 {
				cmd.Println("no archived maps")
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&jobID, "job", "", "restrict to one job id")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows without --job")

	var exportOut string
	exportCmd := &cobra.Command{
		Use:   "export <map_id>",
		Short: "Write an archived map blob to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("bad map id %q", args[0])
			}
			rec, err := root.store.MapBlob(id)
			if err != nil {
				return err
			}
			out := exportOut
			if out == "" {
				out = fmt.Sprintf("%s-%d.dmap", rec.Kind, rec.ID)
			}
			if err := os.WriteFile(out, rec.Blob, 0o644); err != nil {
				return err
			}
			cmd.Printf("wrote %s (%d bytes)\n", out, len(rec.Blob))
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default <kind>-<id>.dmap)")

	cmd.AddCommand(listCmd, exportCmd)
	return cmd
}

func newSessionsCmd(root *Root) *cobra.Command {
	var (
		catalogPath string
		limit       int
		framesOf    int64
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List capture sessions from the external catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := catalogPath
			if path == "" {
				path = root.cfg.Catalog.Path
			}
			if path == "" {
				return fmt.Errorf("no capture catalog configured, use --catalog")
			}

			catalog, err := root.openCatalog(path, root.log)
			if err != nil {
				return err
			}
			defer catalog.Close()

			if framesOf > 0 {
				frames, err := catalog.Frames(framesOf)
				if err != nil {
					return err
				}
				for _, f := range frames {
					cmd.Printf("%6d  %dx%d  mean %6.1f  %s\n", f.ID, f.Width, f.Height, f.MeanLevel, f.FullPath)
				}
				return nil
			}

			sessions, err := catalog.RecentSessions(limit)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				cmd.Printf("%4d  %-16s  %-12s  %4d frames  %s\n",
					s.ID, s.Target, s.Camera, s.FrameCount, s.Folder)
			}
			if len(sessions) == 0 {
				cmd.Println("no capture sessions")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "capture catalog path (config default if empty)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions listed")
	cmd.Flags().Int64Var(&framesOf, "frames", 0, "list frames of this session id instead")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serve the job store, map archive and capture catalog over HTTP,
with an SSE stream of finished jobs on /stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.cfg.Catalog.Path, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Listen, "server address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		dir       string
		mode      string
		reference string
		batchSize int
		settleMS  int
	)

	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Watch a capture directory and register frames as they settle",
		Long: `Monitor a directory for dropped frames. Once a frame has been quiet
for the settle interval it joins the current batch; full batches are
submitted as consensus jobs (or single-reference jobs with --mode single).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Watch
			if len(args) > 0 {
				cfg.Directory = args[0]
			}
			if dir != "" {
				cfg.Directory = dir
			}
			if mode != "" {
				cfg.Mode = mode
			}
			if reference != "" {
				cfg.ReferencePath = reference
			}
			if batchSize > 0 {
				cfg.BatchSize = batchSize
			}
			if settleMS > 0 {
				cfg.SettleMillis = settleMS
			}

			w, err := root.newWatcher(cfg, root.pipeline, root.store, root.log)
			if err != nil {
				return err
			}
			w.Start()
			defer w.Stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-cmd.Context().Done():
			case s := <-sig:
				root.log.Info("shutting down watcher", "signal", s.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (config default if empty)")
	cmd.Flags().StringVar(&mode, "mode", "", "batch mode (single|consensus)")
	cmd.Flags().StringVar(&reference, "reference", "", "reference frame for single mode")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "frames per batch")
	cmd.Flags().IntVar(&settleMS, "settle-ms", 0, "quiet time before a frame counts as complete")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("dedistort v1.0.0")
		},
	}
}

// defaultOutputDir places corrected frames beside the input directory.
func defaultOutputDir(root *Root, input string) string {
	if root.cfg.Paths.DefaultOutput != "" {
		return root.cfg.Paths.DefaultOutput
	}
	return input + "-registered"
}
