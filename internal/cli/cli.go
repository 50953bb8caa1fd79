// Package cli wires configuration, storage and the orchestrator into cobra
// commands.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"orthoforge/internal/assets"
	"orthoforge/internal/config"
	"orthoforge/internal/fsutil"
	"orthoforge/internal/georef"
	"orthoforge/internal/magick"
	"orthoforge/internal/odm"
	"orthoforge/internal/pipeline"
	"orthoforge/internal/raster"
	"orthoforge/internal/storage"
)

// Version is set at link time.
var Version = "0.1.0-dev"

// computeClient is everything the commands need from the compute service.
type computeClient interface {
	pipeline.ComputeClient
	assets.Source
	Info(ctx context.Context) (odm.NodeInfo, error)
}

type computeFactory func(config.Compute, *slog.Logger) computeClient

type toolManager interface {
	Status() map[string]raster.ToolStatus
}

type toolManagerFactory func(config.Raster) toolManager

// Root holds the shared dependencies of every command.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	out         io.Writer
	compute     computeFactory
	toolFactory toolManagerFactory
	optimizer   pipeline.Optimizer
	tiler       pipeline.Tiler
	georef      pipeline.Georeferencer
}

// NewRoot constructs the CLI root with production collaborators.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		out:   os.Stdout,
		compute: func(c config.Compute, l *slog.Logger) computeClient {
			return odm.NewClient(c, l)
		},
		toolFactory: func(c config.Raster) toolManager {
			return raster.NewToolManager(c)
		},
	}
}

func (r *Root) layout() fsutil.Layout {
	return fsutil.Layout{Root: r.cfg.Paths.DataDir}
}

// orchestrator builds a running orchestrator and the compute client it uses.
// The caller owns Stop.
func (r *Root) orchestrator(ctx context.Context) (*pipeline.Orchestrator, computeClient) {
	client := r.compute(r.cfg.Compute, r.log)
	optimizer := r.optimizer
	if optimizer == nil {
		optimizer = raster.NewOptimizer(r.cfg.Raster, r.log)
	}
	tiler := r.tiler
	if tiler == nil {
		tiler = raster.NewTiler(r.cfg.Raster, r.log)
	}
	geo := r.georef
	if geo == nil {
		geo = georef.NewResolver(magick.NewProber(), r.log)
	}
	orch := pipeline.New(ctx, pipeline.Deps{
		Store:     r.store,
		Layout:    r.layout(),
		Compute:   client,
		Fetcher:   assets.NewFetcher(client, r.log),
		Optimizer: optimizer,
		Tiler:     tiler,
		Georef:    geo,
		Logger:    r.log,
	}, pipeline.SettingsFromConfig(r.cfg))
	return orch, client
}
