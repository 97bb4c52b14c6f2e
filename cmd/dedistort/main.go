package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"dedistort/internal/cli"
	"dedistort/internal/config"
	"dedistort/internal/device"
	"dedistort/internal/imageio"
	"dedistort/internal/logging"
	"dedistort/internal/pipeline"
	"dedistort/internal/storage"
	"dedistort/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dedistort: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	imageio.Initialize()
	defer imageio.Terminate()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	var deviceCtx *device.Context
	if cfg.Device.Enabled {
		deviceCtx, err = device.Open(log)
		switch {
		case errors.Is(err, device.ErrDisabled):
			logging.LogDeviceStatus(log, "compute device", false, 0, nil)
		case err != nil:
			logging.LogDeviceStatus(log, "compute device", false, 0, err)
		default:
			caps := deviceCtx.Capabilities()
			logging.LogDeviceStatus(log, caps.DeviceName, true, caps.MaxComputeUnits, nil)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := web.NewHub(log)
	go hub.Run(ctx)

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, &cfg.Engine, deviceCtx, hub)
	defer pipe.Stop()

	if cfg.Server.EnableWeb {
		ws := web.NewWebServer(cfg.Server.WebListen, store, pipe, hub, log)
		go func() {
			if err := ws.Start(ctx); err != nil {
				log.Error("dashboard stopped", "error", err)
			}
		}()
	}

	rootCmd := cli.NewRootCmd(cfg, log, store, pipe)
	return rootCmd.ExecuteContext(ctx)
}
