package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"orthoforge/internal/config"
	"orthoforge/internal/geo"
	"orthoforge/internal/georef"
	"orthoforge/internal/odm"
	"orthoforge/internal/raster"
	"orthoforge/internal/storage"
)

type stubCompute struct {
	mu       sync.Mutex
	status   odm.Status
	uploads  []string
	canceled []string
	payload  []byte
	infoErr  error
}

func (s *stubCompute) CreateTask(ctx context.Context, name string) (string, error) {
	return "task-1", nil
}

func (s *stubCompute) UploadImage(ctx context.Context, taskID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, filepath.Base(path))
	return nil
}

func (s *stubCompute) CommitTask(ctx context.Context, taskID string, options []config.TaskOption) error {
	return nil
}

func (s *stubCompute) GetStatus(ctx context.Context, taskID string) (odm.TaskStatus, error) {
	return odm.TaskStatus{Code: s.status, Progress: 100}, nil
}

func (s *stubCompute) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, taskID)
	return nil
}

func (s *stubCompute) Remove(ctx context.Context, taskID string) error { return nil }

func (s *stubCompute) ListAssets(ctx context.Context, taskID string) ([]string, error) {
	return nil, nil
}

func (s *stubCompute) DownloadAsset(ctx context.Context, taskID, asset, dest string) error {
	if asset != "odm_orthophoto/odm_orthophoto.tif" || s.payload == nil {
		return &odm.APIError{Op: "download " + asset, StatusCode: 404, Message: "not found"}
	}
	return os.WriteFile(dest, s.payload, 0o644)
}

func (s *stubCompute) Info(ctx context.Context) (odm.NodeInfo, error) {
	if s.infoErr != nil {
		return odm.NodeInfo{}, s.infoErr
	}
	return odm.NodeInfo{Version: "2.5.0", TaskQueueCount: 3, Engine: "odm", EngineVersion: "3.5.1"}, nil
}

type stubTools struct{}

func (stubTools) Status() map[string]raster.ToolStatus {
	return map[string]raster.ToolStatus{
		"optimize": {Available: true, Version: "3.8.4", Path: "/usr/bin/gdal_translate"},
		"tiles":    {Available: false, Error: errors.New("not found")},
	}
}

type keepOptimizer struct{}

func (keepOptimizer) Optimize(ctx context.Context, path string) (string, bool) { return path, false }

type stubTiler struct{}

func (stubTiler) Generate(ctx context.Context, rasterPath, tileDir string) error {
	dir := filepath.Join(tileDir, "18", "3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "4.png"), bytes.Repeat([]byte{1}, 2048), 0o644)
}

type stubGeoref struct{}

func (stubGeoref) Resolve(path string) (georef.Info, error) {
	b := geo.Bounds{MinX: 11.1, MinY: 46.2, MaxX: 11.2, MaxY: 46.3}
	return georef.Info{Width: 100, Height: 100, Geographic: &b}, nil
}

func newTestRoot(t *testing.T) (*Root, *stubCompute, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.DatabasePath = filepath.Join(dir, "orthoforge.db")
	cfg.Processing.Workers = 1

	store, err := storage.New("sqlite", cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	compute := &stubCompute{status: odm.StatusCompleted}
	out := &bytes.Buffer{}
	root := NewRoot(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	root.out = out
	root.compute = func(config.Compute, *slog.Logger) computeClient { return compute }
	root.toolFactory = func(config.Raster) toolManager { return stubTools{} }
	root.optimizer = keepOptimizer{}
	root.tiler = stubTiler{}
	root.georef = stubGeoref{}
	return root, compute, out
}

func run(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("jpeg-bytes"), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestProjectCreateAndList(t *testing.T) {
	root, _, out := newTestRoot(t)

	if err := run(t, root, "project", "create", "Field A", "--id", "field-a"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := os.Stat(root.layout().UploadDir("field-a")); err != nil {
		t.Fatalf("expected upload dir: %v", err)
	}

	out.Reset()
	if err := run(t, root, "project", "list"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out.String(), "field-a") || !strings.Contains(out.String(), "Field A") {
		t.Fatalf("unexpected list output: %q", out.String())
	}
}

func TestProjectCreateRejectsUnsafeID(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := run(t, root, "project", "create", "x", "--id", "../escape"); err == nil {
		t.Fatalf("expected error for unsafe id")
	}
}

func TestUploadRecordsImages(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(t, root, "project", "create", "p", "--id", "p1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	args := append([]string{"upload", "p1"}, writeImages(t, "a.jpg", "b.jpg")...)
	if err := run(t, root, args...); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if !strings.Contains(out.String(), "2 images in project p1") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	p, err := root.store.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.ImageCount != 2 || p.Status != storage.StatusUploading {
		t.Fatalf("expected 2 images while uploading, got %d %s", p.ImageCount, p.Status)
	}

	notImage := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notImage, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(t, root, "upload", "p1", notImage); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestProcessRunsToReady(t *testing.T) {
	root, compute, out := newTestRoot(t)
	compute.payload = bytes.Repeat([]byte{0x49}, 4096)

	if err := run(t, root, "project", "create", "p", "--id", "p1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	args := append([]string{"upload", "p1"}, writeImages(t, "a.jpg", "b.jpg", "c.jpg")...)
	if err := run(t, root, args...); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	out.Reset()
	if err := run(t, root, "process", "p1"); err != nil {
		t.Fatalf("process failed: %v\n%s", err, out.String())
	}
	if len(compute.uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %v", compute.uploads)
	}
	text := out.String()
	for _, want := range []string{"Processing p1", "task task-1", "Status:    ready", "Bounds:"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}

	out.Reset()
	if err := run(t, root, "zoom", "p1"); err != nil {
		t.Fatalf("zoom failed: %v", err)
	}
	if !strings.Contains(out.String(), "min=18 max=18 best=18") {
		t.Fatalf("unexpected zoom output: %q", out.String())
	}
}

func TestProcessRejectsTooFewImages(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := run(t, root, "project", "create", "p", "--id", "p1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := run(t, root, "process", "p1"); err == nil {
		t.Fatalf("expected error for a project without images")
	}
}

func TestStatusShowsEvents(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(t, root, "project", "create", "p", "--id", "p1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	out.Reset()
	if err := run(t, root, "status", "p1", "--events"); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), "Status:    created") || !strings.Contains(out.String(), "Events:") {
		t.Fatalf("unexpected status output: %q", out.String())
	}
	if err := run(t, root, "status", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelWithoutTask(t *testing.T) {
	root, compute, _ := newTestRoot(t)
	if err := run(t, root, "project", "create", "p", "--id", "p1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := run(t, root, "cancel", "p1"); err == nil {
		t.Fatalf("expected error when no task exists")
	}
	if len(compute.canceled) != 0 {
		t.Fatalf("nothing should be canceled, got %v", compute.canceled)
	}
}

func TestToolsAndNode(t *testing.T) {
	root, compute, out := newTestRoot(t)

	if err := run(t, root, "tools"); err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if !strings.Contains(out.String(), "optimize   AVAILABLE 3.8.4") || !strings.Contains(out.String(), "tiles      NOT AVAILABLE") {
		t.Fatalf("unexpected tools output: %q", out.String())
	}

	out.Reset()
	if err := run(t, root, "node"); err != nil {
		t.Fatalf("node failed: %v", err)
	}
	if !strings.Contains(out.String(), "Engine:      odm 3.5.1") {
		t.Fatalf("unexpected node output: %q", out.String())
	}

	compute.infoErr = errors.New("connection refused")
	if err := run(t, root, "node"); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected node error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(t, root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	root.cfg.Compute.BaseURL = "localhost:3000"
	root.cfg.Store.Driver = "postgres"
	err := run(t, root, "config", "validate")
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(err.Error(), "base_url") || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("unexpected validation error: %v", err)
	}

	root.cfg.Compute.Token = "secret"
	out.Reset()
	if err := run(t, root, "config", "show"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if strings.Contains(out.String(), "secret") {
		t.Fatalf("token leaked in output: %q", out.String())
	}
}

func TestVersion(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(t, root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "orthoforge "+Version) {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}
