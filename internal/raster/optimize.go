package raster

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"orthoforge/internal/config"
)

// Optimizer rewrites a raster as a cloud-optimized GeoTIFF.
type Optimizer struct {
	cfg    config.Raster
	logger *slog.Logger
}

// NewOptimizer creates an optimizer from the raster settings.
func NewOptimizer(cfg config.Raster, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{cfg: cfg, logger: logger}
}

// siblingPath returns <dir>/<base>.cog.tif for path.
func siblingPath(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return base + ".cog.tif"
}

// Optimize converts path in place. It never fails the caller: on any problem
// the original is kept and converted is false.
func (o *Optimizer) Optimize(ctx context.Context, path string) (string, bool) {
	if !o.cfg.Optimize {
		return path, false
	}
	out := siblingPath(path)
	if filepath.Clean(out) == filepath.Clean(path) {
		o.logger.Warn("Optimized output would overwrite input, skipping", "path", path)
		return path, false
	}

	compression := o.cfg.Compression
	if compression == "" {
		compression = "DEFLATE"
	}
	err := runTool(ctx, o.cfg.OptimizeTool,
		"-of", "COG",
		"-co", "COMPRESS="+compression,
		"-co", "BIGTIFF=IF_SAFER",
		path, out)
	if err != nil {
		os.Remove(out)
		o.logger.Warn("Raster optimization failed, keeping original", "path", path, "error", err)
		return path, false
	}

	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		os.Remove(out)
		o.logger.Warn("Optimizer produced no output, keeping original", "path", path)
		return path, false
	}
	if err := os.Rename(out, path); err != nil {
		os.Remove(out)
		o.logger.Warn("Could not replace original with optimized raster", "path", path, "error", err)
		return path, false
	}
	return path, true
}
