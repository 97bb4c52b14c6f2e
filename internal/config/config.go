package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/dedistort/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the registration pipeline.
type Config struct {
	Engine     Engine     `json:"engine"`
	Device     Device     `json:"device"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
	Catalog    Catalog    `json:"catalog"`
}

// Engine sets the default registration parameters. CLI flags and presets
// override these per run.
type Engine struct {
	TileSize        int     `json:"tile_size"`        // power of two, 32 and up
	Sampling        float64 `json:"sampling"`         // grid stride as fraction of tile size
	SignalThreshold float64 `json:"signal_threshold"` // minimum tile mean to correlate
	Iterations      int     `json:"iterations"`       // refinement passes per level
	Refine          bool    `json:"refine"`           // halve tile size between levels
	SamplingMode    string  `json:"sampling_mode"`    // grid, interest
	OutputFormat    string  `json:"output_format"`    // tiff, png
	OutputSuffix    string  `json:"output_suffix"`    // appended to corrected frame names
	Preset          string  `json:"preset"`           // named preset applied before flags
}

// Device controls the compute device path.
type Device struct {
	Enabled          bool `json:"enabled"`
	MinCandidates    int  `json:"min_candidates"`     // below this the CPU path always wins
	MaxTilesPerBatch int  `json:"max_tiles_per_batch"` // 0 means derive from device limits
}

// Processing captures execution preferences for the job pipeline.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
	MemoryLimit  string `json:"memory_limit"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"` // job store and map archive
	PresetDir     string `json:"preset_dir"`    // extra YAML presets
}

// Server configures the HTTP API and dashboard.
type Server struct {
	Listen       string `json:"listen"`
	EnableWeb    bool   `json:"enable_web"`
	WebListen    string `json:"web_listen"` // dashboard address
	AllowOrigins string `json:"allow_origins"`
}

// Watch configures the capture directory watcher.
type Watch struct {
	Directory     string `json:"directory"`      // capture drop directory
	BatchSize     int    `json:"batch_size"`     // frames per consensus batch
	SettleMillis  int    `json:"settle_millis"`  // quiet time before a file counts as complete
	Mode          string `json:"mode"`           // single, consensus
	ReferencePath string `json:"reference_path"` // required for single mode
}

// Catalog points at an external capture session database, read-only.
type Catalog struct {
	Path string `json:"path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("DEDISTORT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration, before any file overrides.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Engine: Engine{
			TileSize:        32,
			Sampling:        0.5,
			SignalThreshold: 1,
			Iterations:      1,
			Refine:          true,
			SamplingMode:    "grid",
			OutputFormat:    "tiff",
			OutputSuffix:    "_reg",
		},
		Device: Device{
			Enabled:       true,
			MinCandidates: 1000,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			MemoryLimit:  "8GB",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "dedistort.db"),
		},
		Server: Server{
			Listen:       "127.0.0.1:8790",
			EnableWeb:    true,
			WebListen:    "127.0.0.1:8791",
			AllowOrigins: "*",
		},
		Watch: Watch{
			BatchSize:    20,
			SettleMillis: 500,
			Mode:         "consensus",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
