package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"orthoforge/internal/assets"
	"orthoforge/internal/config"
	"orthoforge/internal/fsutil"
	"orthoforge/internal/georef"
	"orthoforge/internal/logging"
	"orthoforge/internal/odm"
	"orthoforge/internal/storage"
)

// ErrTimeout is returned when the compute task outlives MaxWait.
var ErrTimeout = errors.New("compute task timed out")

// ComputeClient is the compute service surface the orchestrator drives.
type ComputeClient interface {
	CreateTask(ctx context.Context, name string) (string, error)
	UploadImage(ctx context.Context, taskID, path string) error
	CommitTask(ctx context.Context, taskID string, options []config.TaskOption) error
	GetStatus(ctx context.Context, taskID string) (odm.TaskStatus, error)
	Cancel(ctx context.Context, taskID string) error
	Remove(ctx context.Context, taskID string) error
}

// AssetFetcher stores a finished task's orthomosaic at dest.
type AssetFetcher interface {
	Fetch(ctx context.Context, taskID, dest string) (assets.Result, error)
}

// Optimizer converts the raster in place; failure is never fatal.
type Optimizer interface {
	Optimize(ctx context.Context, path string) (string, bool)
}

// Tiler builds the tile pyramid for a raster.
type Tiler interface {
	Generate(ctx context.Context, rasterPath, tileDir string) error
}

// Georeferencer derives geographic bounds of a raster.
type Georeferencer interface {
	Resolve(path string) (georef.Info, error)
}

// runner implements Processor and sequences the stages of one run.
type runner struct {
	log          *slog.Logger
	store        *storage.Store
	layout       fsutil.Layout
	compute      ComputeClient
	fetcher      AssetFetcher
	optimizer    Optimizer
	tiler        Tiler
	georef       Georeferencer
	options      []config.TaskOption
	pollInterval time.Duration
	maxWait      time.Duration
	emit         func(Event)
}

func (r *runner) Process(ctx context.Context, job Job) Result {
	res := Result{Job: job, Meta: map[string]any{}}
	id := job.ProjectID

	project, err := r.store.GetProject(ctx, id)
	if err != nil {
		res.Error = err
		return res
	}
	images, err := fsutil.ListImages(r.layout.UploadDir(id))
	if err != nil {
		res.Error = fmt.Errorf("list images: %w", err)
		return res
	}
	if len(images) < MinImages {
		res.Error = fmt.Errorf("%w: have %d", ErrNotEnoughImages, len(images))
		return res
	}

	name := project.Name
	if name == "" {
		name = id
	}
	taskID, err := r.compute.CreateTask(ctx, name)
	if err != nil {
		res.Error = fmt.Errorf("create compute task: %w", err)
		return res
	}
	res.Meta["task"] = taskID
	if err := r.store.AttachTask(ctx, id, job.Token, taskID); err != nil {
		res.Error = fmt.Errorf("attach task: %w", err)
		return res
	}
	r.emit(Event{ProjectID: id, Kind: EventTaskCreated, Status: storage.StatusProcessing, TaskID: taskID})

	for i, img := range images {
		if err := r.compute.UploadImage(ctx, taskID, img); err != nil {
			res.Error = fmt.Errorf("upload %s: %w", filepath.Base(img), err)
			return res
		}
		r.emit(Event{ProjectID: id, Kind: EventUpload, TaskID: taskID,
			Progress: float64(i+1) * 100 / float64(len(images)),
			Message:  fmt.Sprintf("%d/%d", i+1, len(images))})
	}
	logging.LogStage(r.log, id, "upload", "done", map[string]any{"images": len(images), "task": taskID})

	if err := r.compute.CommitTask(ctx, taskID, r.options); err != nil {
		res.Error = fmt.Errorf("commit compute task: %w", err)
		return res
	}

	if err := r.wait(ctx, id, taskID); err != nil {
		res.Error = err
		return res
	}

	dest := r.layout.OrthomosaicPath(id)
	fetched, err := r.fetcher.Fetch(ctx, taskID, dest)
	if err != nil {
		res.Error = fmt.Errorf("retrieve orthomosaic: %w", err)
		return res
	}
	res.Meta["asset"] = fetched.Asset
	if info, err := os.Stat(fetched.Path); err == nil {
		res.Meta["size"] = logging.Bytes(info.Size())
	}
	r.stage(id, "download", map[string]any{"asset": fetched.Asset, "archive": fetched.FromArchive})

	path, converted := r.optimizer.Optimize(ctx, fetched.Path)
	res.Meta["optimized"] = converted
	r.stage(id, "optimize", map[string]any{"converted": converted})

	if err := r.tiler.Generate(ctx, path, r.layout.TileDir(id)); err != nil {
		res.Error = fmt.Errorf("generate tiles: %w", err)
		return res
	}
	r.stage(id, "tile", nil)

	res.Path = path
	info, err := r.georef.Resolve(path)
	switch {
	case err != nil:
		r.log.Warn("Georeferencing failed, continuing without bounds", "project", id, "error", err)
	case info.Geographic != nil:
		res.Bounds = info.Geographic
		res.Meta["crs"] = info.CRSName()
		res.Meta["uncertain_bounds"] = info.Uncertain
	}
	r.stage(id, "georeference", map[string]any{"has_bounds": res.Bounds != nil})
	return res
}

func (r *runner) stage(projectID, stage string, details map[string]any) {
	logging.LogStage(r.log, projectID, stage, "done", details)
	r.emit(Event{ProjectID: projectID, Kind: EventStage, Stage: stage})
	_ = r.store.RecordEvent(context.Background(), projectID, "stage", map[string]any{"stage": stage})
}

// wait polls the task until it completes, fails, or exceeds maxWait.
func (r *runner) wait(ctx context.Context, projectID, taskID string) error {
	start := time.Now()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		st, err := r.compute.GetStatus(ctx, taskID)
		if err != nil {
			return fmt.Errorf("poll compute task: %w", err)
		}
		r.emit(Event{ProjectID: projectID, Kind: EventProgress, TaskID: taskID,
			Progress: st.Progress, Message: st.Code.String()})

		switch st.Code {
		case odm.StatusCompleted:
			r.log.Info("Compute task completed", "project", projectID, "task", taskID,
				"elapsed", time.Since(start).Round(time.Second))
			return nil
		case odm.StatusFailed:
			return fmt.Errorf("compute task %s failed", taskID)
		case odm.StatusCanceled:
			return fmt.Errorf("compute task %s was canceled", taskID)
		}

		if elapsed := time.Since(start); elapsed > r.maxWait {
			return fmt.Errorf("%w after %s (last status %s, %.0f%%)", ErrTimeout,
				elapsed.Round(time.Second), st.Code, st.Progress)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
