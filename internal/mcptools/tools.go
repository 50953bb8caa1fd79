// Package mcptools exposes the orchestrator to MCP clients.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"orthoforge/internal/geo"
	"orthoforge/internal/pipeline"
	"orthoforge/internal/storage"
	"orthoforge/internal/tiles"
)

// Service is the orchestrator surface the tools call.
type Service interface {
	StartProcessing(ctx context.Context, projectID string) error
	GetTileZoomRange(ctx context.Context, projectID string) (*tiles.ZoomRange, error)
	CancelTask(ctx context.Context, projectID string) error
}

// Projects reads project records.
type Projects interface {
	GetProject(ctx context.Context, id string) (*storage.Project, error)
	ListProjects(ctx context.Context, limit int) ([]storage.Project, error)
}

// Config wires the MCP server.
type Config struct {
	Service  Service
	Projects Projects
	Version  string
	Logger   *slog.Logger
}

const instructions = `orthoforge turns uploaded drone images into a tiled orthomosaic.
Call start_processing once a project has at least two images, then poll
project_status until the status is ready or failed. tile_zoom_range reports
the zoom levels worth requesting from a ready project.`

// ProjectInput selects a project.
type ProjectInput struct {
	ProjectID string `json:"project_id" jsonschema:"the project identifier"`
}

// ListInput bounds list_projects.
type ListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of projects, default 50"`
}

// ProjectStatus is the tool view of a project.
type ProjectStatus struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          string      `json:"status"`
	ImageCount      int         `json:"image_count"`
	TaskID          string      `json:"task_id,omitempty"`
	OrthomosaicPath string      `json:"orthomosaic_path,omitempty"`
	Bounds          *geo.Bounds `json:"bounds,omitempty"`
	Error           string      `json:"error,omitempty"`
	UpdatedAt       string      `json:"updated_at"`
}

// StartOutput acknowledges a queued run.
type StartOutput struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

// ZoomOutput reports the usable zoom range; Empty is set when no tiles exist.
type ZoomOutput struct {
	Min   int  `json:"min"`
	Max   int  `json:"max"`
	Best  int  `json:"best"`
	Empty bool `json:"empty"`
}

// ListOutput wraps project listings.
type ListOutput struct {
	Projects []ProjectStatus `json:"projects"`
}

// CancelOutput acknowledges a cancel request.
type CancelOutput struct {
	ProjectID string `json:"project_id"`
	Canceled  bool   `json:"canceled"`
}

// NewServer builds an MCP server with the orchestrator tools registered.
func NewServer(cfg Config) *sdkmcp.Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "orthoforge",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: instructions,
		Logger:       cfg.Logger,
	})

	t := &tools{svc: cfg.Service, projects: cfg.Projects}
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "start_processing",
		Description: "Queue orthomosaic processing for a project with uploaded images",
	}, t.startProcessing)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "project_status",
		Description: "Get the processing status of a project",
	}, t.projectStatus)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_projects",
		Description: "List recently updated projects",
	}, t.listProjects)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "tile_zoom_range",
		Description: "Get the zoom levels that carry imagery for a ready project",
	}, t.tileZoomRange)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "cancel_task",
		Description: "Ask the compute service to cancel a project's reconstruction",
	}, t.cancelTask)
	return server
}

type tools struct {
	svc      Service
	projects Projects
}

func (t *tools) startProcessing(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectInput) (*sdkmcp.CallToolResult, StartOutput, error) {
	if err := t.svc.StartProcessing(ctx, in.ProjectID); err != nil {
		return nil, StartOutput{}, describe(err)
	}
	return nil, StartOutput{ProjectID: in.ProjectID, Status: string(storage.StatusProcessing)}, nil
}

func (t *tools) projectStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectInput) (*sdkmcp.CallToolResult, ProjectStatus, error) {
	p, err := t.projects.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, ProjectStatus{}, describe(err)
	}
	return nil, view(*p), nil
}

func (t *tools) listProjects(ctx context.Context, _ *sdkmcp.CallToolRequest, in ListInput) (*sdkmcp.CallToolResult, ListOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	list, err := t.projects.ListProjects(ctx, limit)
	if err != nil {
		return nil, ListOutput{}, err
	}
	out := ListOutput{Projects: make([]ProjectStatus, 0, len(list))}
	for _, p := range list {
		out.Projects = append(out.Projects, view(p))
	}
	return nil, out, nil
}

func (t *tools) tileZoomRange(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectInput) (*sdkmcp.CallToolResult, ZoomOutput, error) {
	zr, err := t.svc.GetTileZoomRange(ctx, in.ProjectID)
	if err != nil {
		return nil, ZoomOutput{}, describe(err)
	}
	if zr == nil {
		return nil, ZoomOutput{Empty: true}, nil
	}
	return nil, ZoomOutput{Min: zr.Min, Max: zr.Max, Best: zr.Best}, nil
}

func (t *tools) cancelTask(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectInput) (*sdkmcp.CallToolResult, CancelOutput, error) {
	if err := t.svc.CancelTask(ctx, in.ProjectID); err != nil {
		return nil, CancelOutput{}, describe(err)
	}
	return nil, CancelOutput{ProjectID: in.ProjectID, Canceled: true}, nil
}

func view(p storage.Project) ProjectStatus {
	return ProjectStatus{
		ID:              p.ID,
		Name:            p.Name,
		Status:          string(p.Status),
		ImageCount:      p.ImageCount,
		TaskID:          p.ComputeTaskID,
		OrthomosaicPath: p.OrthomosaicPath,
		Bounds:          p.Bounds,
		Error:           p.ErrorMessage,
		UpdatedAt:       p.UpdatedAt.Format(time.RFC3339),
	}
}

// describe adds a recovery hint to errors a caller can act on.
func describe(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w (check the project id with list_projects)", err)
	case errors.Is(err, pipeline.ErrNotEnoughImages):
		return fmt.Errorf("%w (upload more images first)", err)
	case errors.Is(err, pipeline.ErrInvalidState):
		return fmt.Errorf("%w (see project_status)", err)
	case errors.Is(err, pipeline.ErrNoTask):
		return fmt.Errorf("%w (processing has not created a task yet)", err)
	default:
		return err
	}
}
