// Package pipeline drives a project from uploaded images to a tiled,
// georeferenced orthomosaic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orthoforge/internal/config"
	"orthoforge/internal/fsutil"
	"orthoforge/internal/storage"
	"orthoforge/internal/tiles"
)

// MinImages is the fewest images a reconstruction accepts.
const MinImages = 2

var (
	// ErrNotEnoughImages is a validation failure raised before any remote call.
	ErrNotEnoughImages = errors.New("at least two images are required")

	// ErrInvalidState is returned when the project status forbids the operation.
	ErrInvalidState = errors.New("project is not in a valid state for this operation")

	// ErrNoTask is returned by administrative calls on projects without a compute task.
	ErrNoTask = errors.New("project has no compute task")
)

// Settings tunes the orchestrator.
type Settings struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	MaxWait      time.Duration
	Options      []config.TaskOption
}

// SettingsFromConfig extracts Settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Workers:      cfg.Processing.Workers,
		QueueSize:    cfg.Processing.QueueSize,
		PollInterval: cfg.Compute.PollInterval(),
		MaxWait:      cfg.Compute.MaxWait(),
		Options:      cfg.Compute.Options,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     *storage.Store
	Layout    fsutil.Layout
	Compute   ComputeClient
	Fetcher   AssetFetcher
	Optimizer Optimizer
	Tiler     Tiler
	Georef    Georeferencer
	Logger    *slog.Logger
}

// Orchestrator validates triggers, owns the worker pool, and answers
// read-only queries about finished projects.
type Orchestrator struct {
	store    *storage.Store
	layout   fsutil.Layout
	compute  ComputeClient
	pipeline *Pipeline
	log      *slog.Logger
}

// New starts an orchestrator whose workers live until Stop or ctx ends.
func New(ctx context.Context, deps Deps, s Settings) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 10 * time.Second
	}
	if s.MaxWait <= 0 {
		s.MaxWait = 4 * time.Hour
	}

	o := &Orchestrator{
		store:   deps.Store,
		layout:  deps.Layout,
		compute: deps.Compute,
		log:     logger,
	}
	r := &runner{
		log:          logger,
		store:        deps.Store,
		layout:       deps.Layout,
		compute:      deps.Compute,
		fetcher:      deps.Fetcher,
		optimizer:    deps.Optimizer,
		tiler:        deps.Tiler,
		georef:       deps.Georef,
		options:      s.Options,
		pollInterval: s.PollInterval,
		maxWait:      s.MaxWait,
	}
	o.pipeline = newPipeline(ctx, s.Workers, s.QueueSize, logger, deps.Store, r)
	r.emit = o.pipeline.broadcast
	return o
}

// StartProcessing validates the project, takes ownership, and queues a run.
// It returns once the run is queued; progress is reported through the store
// and Subscribe.
func (o *Orchestrator) StartProcessing(ctx context.Context, projectID string) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !project.Status.CanStartProcessing() {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, project.Status)
	}

	images, err := fsutil.ListImages(o.layout.UploadDir(projectID))
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) < MinImages {
		return fmt.Errorf("%w: have %d", ErrNotEnoughImages, len(images))
	}
	if len(images) != project.ImageCount {
		if err := o.store.RecordImages(ctx, projectID, len(images)); err != nil {
			return err
		}
	}

	// queue space is claimed before the status moves so a full queue never
	// leaves a project in processing
	if err := o.pipeline.Reserve(); err != nil {
		return err
	}
	token, _, err := o.store.BeginProcessing(ctx, projectID)
	if err != nil {
		o.pipeline.Release()
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: processing already started", ErrInvalidState)
		}
		return err
	}

	job := Job{ProjectID: projectID, Token: token, ImageCount: len(images)}
	if err := o.pipeline.Submit(job); err != nil {
		// shutdown raced the trigger; fail forward like other unstarted jobs
		if ferr := o.store.MarkFailed(context.Background(), projectID, token, errShutdownBeforeStart.Error()); ferr != nil {
			o.log.Error("Failed to record unscheduled run", "project", projectID, "error", ferr)
		}
		return err
	}
	o.pipeline.broadcast(Event{ProjectID: projectID, Kind: EventQueued, Status: storage.StatusProcessing})
	return nil
}

// GetTileZoomRange reports the usable zoom range of a ready project. A nil
// range means the pyramid holds no tiles.
func (o *Orchestrator) GetTileZoomRange(ctx context.Context, projectID string) (*tiles.ZoomRange, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != storage.StatusReady {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, project.Status)
	}
	return tiles.Analyze(o.layout.TileDir(projectID))
}

// CancelTask asks the compute service to stop the project's task. The run
// itself then fails on its next poll.
func (o *Orchestrator) CancelTask(ctx context.Context, projectID string) error {
	taskID, err := o.taskID(ctx, projectID)
	if err != nil {
		return err
	}
	if err := o.compute.Cancel(ctx, taskID); err != nil {
		return err
	}
	_ = o.store.RecordEvent(ctx, projectID, "task_canceled", map[string]any{"task": taskID})
	return nil
}

// RemoveTask deletes the project's task and its remote assets.
func (o *Orchestrator) RemoveTask(ctx context.Context, projectID string) error {
	taskID, err := o.taskID(ctx, projectID)
	if err != nil {
		return err
	}
	if err := o.compute.Remove(ctx, taskID); err != nil {
		return err
	}
	_ = o.store.RecordEvent(ctx, projectID, "task_removed", map[string]any{"task": taskID})
	return nil
}

func (o *Orchestrator) taskID(ctx context.Context, projectID string) (string, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project.ComputeTaskID == "" {
		return "", ErrNoTask
	}
	return project.ComputeTaskID, nil
}

// Subscribe returns a channel of run events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.pipeline.Subscribe()
}

// Stop cancels running work and waits for workers to exit.
func (o *Orchestrator) Stop() {
	o.pipeline.Stop()
}
