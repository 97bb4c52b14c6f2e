package cli

import (
	"fmt"
	"os"
	"sort"

	"dedistort/internal/config"
	"dedistort/internal/fftutil"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigShowCmd(root))
	cmd.AddCommand(newConfigValidateCmd(root))
	cmd.AddCommand(newConfigPresetsCmd(root))
	return cmd
}

func newConfigShowCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg

			cfgPath := os.Getenv("DEDISTORT_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/dedistort/config.json"
			}
			cmd.Printf("Config file: %s\n", cfgPath)

			cmd.Printf("\nEngine:\n")
			cmd.Printf("  Tile size:        %d\n", cfg.Engine.TileSize)
			cmd.Printf("  Sampling:         %.2f\n", cfg.Engine.Sampling)
			cmd.Printf("  Signal threshold: %.2f\n", cfg.Engine.SignalThreshold)
			cmd.Printf("  Iterations:       %d\n", cfg.Engine.Iterations)
			cmd.Printf("  Refine:           %t\n", cfg.Engine.Refine)
			cmd.Printf("  Sampling mode:    %s\n", cfg.Engine.SamplingMode)
			cmd.Printf("  Output format:    %s\n", cfg.Engine.OutputFormat)
			cmd.Printf("  Output suffix:    %s\n", cfg.Engine.OutputSuffix)
			if cfg.Engine.Preset != "" {
				cmd.Printf("  Preset:           %s\n", cfg.Engine.Preset)
			}

			cmd.Printf("\nDevice:\n")
			cmd.Printf("  Enabled:        %t\n", cfg.Device.Enabled)
			cmd.Printf("  Min candidates: %d\n", cfg.Device.MinCandidates)

			cmd.Printf("\nProcessing:\n")
			cmd.Printf("  Parallel jobs: %d\n", cfg.Processing.ParallelJobs)

			cmd.Printf("\nServer:\n")
			cmd.Printf("  Listen: %s\n", cfg.Server.Listen)

			cmd.Printf("\nWatch:\n")
			cmd.Printf("  Directory:  %s\n", orNone(cfg.Watch.Directory))
			cmd.Printf("  Mode:       %s\n", cfg.Watch.Mode)
			cmd.Printf("  Batch size: %d\n", cfg.Watch.BatchSize)
			cmd.Printf("  Settle:     %dms\n", cfg.Watch.SettleMillis)

			cmd.Printf("\nCatalog:\n")
			cmd.Printf("  Path: %s\n", orNone(cfg.Catalog.Path))

			return nil
		},
	}
}

func newConfigValidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for inconsistencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			var problems []string

			if !fftutil.IsPowerOfTwo(cfg.Engine.TileSize) || cfg.Engine.TileSize < 32 {
				problems = append(problems, fmt.Sprintf("engine.tile_size %d is not a power of two >= 32", cfg.Engine.TileSize))
			}
			if cfg.Engine.Sampling <= 0 || cfg.Engine.Sampling > 1 {
				problems = append(problems, fmt.Sprintf("engine.sampling %.2f is outside (0, 1]", cfg.Engine.Sampling))
			}
			if cfg.Engine.Iterations < 1 {
				problems = append(problems, fmt.Sprintf("engine.iterations %d must be at least 1", cfg.Engine.Iterations))
			}
			switch cfg.Engine.SamplingMode {
			case "grid", "interest":
			default:
				problems = append(problems, fmt.Sprintf("engine.sampling_mode %q is not grid or interest", cfg.Engine.SamplingMode))
			}
			switch cfg.Engine.OutputFormat {
			case "tiff", "png", "fits":
			default:
				problems = append(problems, fmt.Sprintf("engine.output_format %q is not tiff, png or fits", cfg.Engine.OutputFormat))
			}

			presets, err := config.Presets(cfg.Paths.PresetDir)
			if err != nil {
				problems = append(problems, fmt.Sprintf("presets: %v", err))
			} else if cfg.Engine.Preset != "" {
				if _, ok := presets[cfg.Engine.Preset]; !ok {
					problems = append(problems, fmt.Sprintf("engine.preset %q is not a known preset", cfg.Engine.Preset))
				}
			}

			if cfg.Watch.Mode == "single" && cfg.Watch.ReferencePath == "" {
				problems = append(problems, "watch.mode single needs watch.reference_path")
			}

			if len(problems) == 0 {
				cmd.Println("configuration ok")
				return nil
			}
			for _, p := range problems {
				cmd.Printf("problem: %s\n", p)
			}
			return fmt.Errorf("%d configuration problem(s)", len(problems))
		},
	}
}

func newConfigPresetsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available parameter presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := config.Presets(root.cfg.Paths.PresetDir)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(presets))
			for name := range presets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cmd.Printf("%-14s %s\n", name, presets[name].Description)
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
