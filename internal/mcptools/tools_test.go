package mcptools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"orthoforge/internal/pipeline"
	"orthoforge/internal/storage"
	"orthoforge/internal/tiles"
)

type fakeService struct {
	started  []string
	startErr error
	zoom     *tiles.ZoomRange
	zoomErr  error
}

func (f *fakeService) StartProcessing(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeService) GetTileZoomRange(ctx context.Context, id string) (*tiles.ZoomRange, error) {
	return f.zoom, f.zoomErr
}

func (f *fakeService) CancelTask(ctx context.Context, id string) error {
	return pipeline.ErrNoTask
}

type fakeProjects map[string]storage.Project

func (f fakeProjects) GetProject(ctx context.Context, id string) (*storage.Project, error) {
	p, ok := f[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (f fakeProjects) ListProjects(ctx context.Context, limit int) ([]storage.Project, error) {
	var out []storage.Project
	for _, p := range f {
		out = append(out, p)
	}
	return out, nil
}

func connect(t *testing.T, svc Service, projects Projects) *sdkmcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	server := NewServer(Config{Service: svc, Projects: projects, Version: "test"})
	clientT, serverT := sdkmcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func call(t *testing.T, cs *sdkmcp.ClientSession, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *sdkmcp.CallToolResult) string {
	t.Helper()
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content")
	return ""
}

func TestToolsListed(t *testing.T) {
	cs := connect(t, &fakeService{}, fakeProjects{})
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"start_processing", "project_status", "list_projects", "tile_zoom_range", "cancel_task"}, names)
}

func TestStartProcessingTool(t *testing.T) {
	svc := &fakeService{}
	cs := connect(t, svc, fakeProjects{})

	res := call(t, cs, "start_processing", map[string]any{"project_id": "p1"})
	require.False(t, res.IsError)
	var out StartOutput
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.Equal(t, StartOutput{ProjectID: "p1", Status: "processing"}, out)
	require.Equal(t, []string{"p1"}, svc.started)

	svc.startErr = pipeline.ErrNotEnoughImages
	res = call(t, cs, "start_processing", map[string]any{"project_id": "p1"})
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "upload more images")
}

func TestProjectStatusTool(t *testing.T) {
	projects := fakeProjects{"p1": {ID: "p1", Name: "field", Status: storage.StatusFailed, ErrorMessage: "boom"}}
	cs := connect(t, &fakeService{}, projects)

	res := call(t, cs, "project_status", map[string]any{"project_id": "p1"})
	require.False(t, res.IsError)
	var out ProjectStatus
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.Equal(t, "failed", out.Status)
	require.Equal(t, "boom", out.Error)

	res = call(t, cs, "project_status", map[string]any{"project_id": "nope"})
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "list_projects")
}

func TestTileZoomRangeTool(t *testing.T) {
	svc := &fakeService{zoom: &tiles.ZoomRange{Min: 16, Max: 18, Best: 17}}
	cs := connect(t, svc, fakeProjects{})

	res := call(t, cs, "tile_zoom_range", map[string]any{"project_id": "p1"})
	var out ZoomOutput
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.Equal(t, ZoomOutput{Min: 16, Max: 18, Best: 17}, out)

	svc.zoom = nil
	res = call(t, cs, "tile_zoom_range", map[string]any{"project_id": "p1"})
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.True(t, out.Empty)
}

func TestCancelTaskToolWithoutTask(t *testing.T) {
	cs := connect(t, &fakeService{}, fakeProjects{})
	res := call(t, cs, "cancel_task", map[string]any{"project_id": "p1"})
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "no compute task")
}
