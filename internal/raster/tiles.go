package raster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"orthoforge/internal/config"
)

// Tiler builds an XYZ web-mercator tile pyramid.
type Tiler struct {
	cfg    config.Raster
	logger *slog.Logger
}

// NewTiler creates a tiler from the raster settings.
func NewTiler(cfg config.Raster, logger *slog.Logger) *Tiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiler{cfg: cfg, logger: logger}
}

// Args returns the tool arguments for rasterPath into tileDir.
func (t *Tiler) Args(rasterPath, tileDir string) []string {
	args := []string{
		"--profile=mercator",
		"--zoom=" + t.cfg.ZoomRange(),
		"--xyz",
		"--webviewer=none",
	}
	if t.cfg.TileProcesses > 0 {
		args = append(args, "--processes="+strconv.Itoa(t.cfg.TileProcesses))
	}
	return append(args, rasterPath, tileDir)
}

// Generate replaces tileDir with a fresh pyramid. Errors are fatal to the run.
func (t *Tiler) Generate(ctx context.Context, rasterPath, tileDir string) error {
	if !t.cfg.Tiling {
		return nil
	}
	if err := os.RemoveAll(tileDir); err != nil {
		return fmt.Errorf("clear tile directory: %w", err)
	}
	if err := os.MkdirAll(tileDir, 0o755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}
	t.logger.Debug("Generating tiles", "raster", rasterPath, "zoom", t.cfg.ZoomRange())
	return runTool(ctx, t.cfg.TileTool, t.Args(rasterPath, tileDir)...)
}
