package assets

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoOrthomosaicInArchive means the bundle downloaded fine but held no raster
// that looks like an orthomosaic.
var ErrNoOrthomosaicInArchive = errors.New("no orthomosaic in archive")

// Source is the part of the compute client the fetcher needs.
type Source interface {
	ListAssets(ctx context.Context, taskID string) ([]string, error)
	DownloadAsset(ctx context.Context, taskID, asset, dest string) error
}

// Result describes where the orthomosaic came from.
type Result struct {
	Path        string
	Asset       string
	FromArchive bool
	Tried       []string
}

// ExhaustedError is returned when neither the bundle nor any candidate
// produced an orthomosaic.
type ExhaustedError struct {
	Tried    []string
	Reported []string
	Errs     []error
}

func (e *ExhaustedError) Error() string {
	reported := "none"
	if len(e.Reported) > 0 {
		reported = strings.Join(e.Reported, ", ")
	}
	msg := fmt.Sprintf("orthomosaic not retrievable: tried %s; reported assets: %s",
		strings.Join(e.Tried, ", "), reported)
	if n := len(e.Errs); n > 0 {
		msg += "; last error: " + e.Errs[n-1].Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error { return e.Errs }

// Fetcher retrieves a task's orthomosaic, preferring the full bundle.
type Fetcher struct {
	source Source
	logger *slog.Logger
}

// NewFetcher creates a fetcher over source.
func NewFetcher(source Source, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, logger: logger}
}

// Fetch stores the orthomosaic of taskID at dest.
func (f *Fetcher) Fetch(ctx context.Context, taskID, dest string) (Result, error) {
	reported, err := f.source.ListAssets(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.logger.Warn("Asset listing unavailable, using canonical paths", "task", taskID, "error", err)
		reported = nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, err
	}

	var (
		tried []string
		errs  []error
	)

	tried = append(tried, BundleName)
	err = f.fromBundle(ctx, taskID, dest)
	if err == nil {
		return Result{Path: dest, Asset: BundleName, FromArchive: true, Tried: tried}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	f.logger.Info("Bundle unusable, trying individual assets", "task", taskID, "error", err)
	errs = append(errs, err)

	for _, candidate := range Candidates(reported) {
		tried = append(tried, candidate)
		err := f.source.DownloadAsset(ctx, taskID, candidate, dest)
		if err == nil {
			return Result{Path: dest, Asset: candidate, Tried: tried}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.logger.Debug("Candidate asset failed", "task", taskID, "asset", candidate, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
	}

	return Result{}, &ExhaustedError{Tried: tried, Reported: reported, Errs: errs}
}

func (f *Fetcher) fromBundle(ctx context.Context, taskID, dest string) error {
	bundle := dest + ".bundle.zip"
	defer os.Remove(bundle)

	if err := f.source.DownloadAsset(ctx, taskID, BundleName, bundle); err != nil {
		return fmt.Errorf("%s: %w", BundleName, err)
	}
	return ExtractOrthomosaic(bundle, dest)
}

// ExtractOrthomosaic copies the orthomosaic entry of zipPath to dest. Exact
// canonical suffixes win over looser "orthophoto" name matches.
func ExtractOrthomosaic(zipPath, dest string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	entry := pickEntry(zr.File)
	if entry == nil {
		return ErrNoOrthomosaicInArchive
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer rc.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func pickEntry(files []*zip.File) *zip.File {
	for _, suffix := range CanonicalPaths {
		for _, f := range files {
			name := filepath.ToSlash(f.Name)
			if name == suffix || strings.HasSuffix(name, "/"+suffix) {
				return f
			}
		}
	}
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.Contains(strings.ToLower(f.Name), "orthophoto") && IsRaster(f.Name) {
			return f
		}
	}
	return nil
}
