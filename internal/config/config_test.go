package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("DEDISTORT_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.TileSize != 32 || !cfg.Engine.Refine {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("parallel jobs = %d, want %d", cfg.Processing.ParallelJobs, defaultParallel)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"engine": {"tile_size": 128, "iterations": 3}, "server": {"listen": ":9000"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEDISTORT_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.TileSize != 128 || cfg.Engine.Iterations != 3 {
		t.Fatalf("engine overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Server.Listen != ":9000" {
		t.Fatalf("server listen = %q, want :9000", cfg.Server.Listen)
	}
}

func TestBuiltinPresets(t *testing.T) {
	presets, err := Presets("")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"planetary", "solar-surface", "lunar"} {
		if _, ok := presets[name]; !ok {
			t.Fatalf("missing built-in preset %q", name)
		}
	}

	e := defaultConfig().Engine
	if err := ApplyPreset(&e, "solar-surface", ""); err != nil {
		t.Fatal(err)
	}
	if e.TileSize != 128 || e.Iterations != 3 || !e.Refine {
		t.Fatalf("solar-surface preset not applied: %+v", e)
	}
}

func TestPresetFromDirectoryShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	body := "tile_size: 256\nrefine: false\n"
	if err := os.WriteFile(filepath.Join(dir, "planetary.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	e := defaultConfig().Engine
	if err := ApplyPreset(&e, "planetary", dir); err != nil {
		t.Fatal(err)
	}
	if e.TileSize != 256 || e.Refine {
		t.Fatalf("directory preset not applied: %+v", e)
	}
	// fields the preset does not mention keep their defaults
	if e.Sampling != 0.5 {
		t.Fatalf("sampling changed to %v", e.Sampling)
	}
}

func TestApplyPresetUnknown(t *testing.T) {
	e := defaultConfig().Engine
	if err := ApplyPreset(&e, "nonexistent", ""); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}
