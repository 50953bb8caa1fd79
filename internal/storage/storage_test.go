package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"orthoforge/internal/geo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "field survey", "")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, StatusCreated, p.Status)
	require.Nil(t, p.Bounds)
	require.Empty(t, p.ErrorMessage)

	_, err = s.GetProject(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
}

func TestRecordImagesMovesToUploading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "", "p1")
	require.NoError(t, err)

	require.NoError(t, s.RecordImages(ctx, p.ID, 0))
	got, _ := s.GetProject(ctx, p.ID)
	require.Equal(t, StatusCreated, got.Status)

	require.NoError(t, s.RecordImages(ctx, p.ID, 3))
	got, _ = s.GetProject(ctx, p.ID)
	require.Equal(t, StatusUploading, got.Status)
	require.Equal(t, 3, got.ImageCount)

	require.ErrorIs(t, s.RecordImages(ctx, "nope", 1), ErrNotFound)
}

func TestBeginProcessingIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "", "p1")
	require.NoError(t, s.RecordImages(ctx, p.ID, 2))

	token, prev, err := s.BeginProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, StatusUploading, prev)

	_, _, err = s.BeginProcessing(ctx, p.ID)
	require.ErrorIs(t, err, ErrConflict)

	got, _ := s.GetProject(ctx, p.ID)
	require.Equal(t, StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)

	// uploads after the start no longer count
	require.ErrorIs(t, s.RecordImages(ctx, p.ID, 9), ErrConflict)
}

func TestTerminalWritesRequireToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "", "p1")
	token, _, err := s.BeginProcessing(ctx, p.ID)
	require.NoError(t, err)

	require.ErrorIs(t, s.AttachTask(ctx, p.ID, "stale", "task-1"), ErrConflict)
	require.NoError(t, s.AttachTask(ctx, p.ID, token, "task-1"))

	require.ErrorIs(t, s.MarkReady(ctx, p.ID, "stale", "/x.tif", nil), ErrConflict)
	require.ErrorIs(t, s.MarkFailed(ctx, p.ID, "stale", "boom"), ErrConflict)

	bounds := &geo.Bounds{MinX: 8.1, MinY: 46.2, MaxX: 8.2, MaxY: 46.3}
	require.NoError(t, s.MarkReady(ctx, p.ID, token, "/data/ortho.tif", bounds))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, "task-1", got.ComputeTaskID)
	require.Equal(t, "/data/ortho.tif", got.OrthomosaicPath)
	require.NotNil(t, got.Bounds)
	require.InDelta(t, 8.1, got.Bounds.MinX, 1e-12)
	require.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.ProcessingCompletedAt)

	// ready is terminal
	require.ErrorIs(t, s.MarkFailed(ctx, p.ID, token, "late"), ErrConflict)
	_, _, err = s.BeginProcessing(ctx, p.ID)
	require.ErrorIs(t, err, ErrConflict)
}

func TestMarkFailedSetsMessageAndClearsArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "", "p1")
	token, _, _ := s.BeginProcessing(ctx, p.ID)

	require.NoError(t, s.MarkFailed(ctx, p.ID, token, "compute task failed"))
	got, _ := s.GetProject(ctx, p.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "compute task failed", got.ErrorMessage)
	require.Empty(t, got.OrthomosaicPath)
	require.Nil(t, got.Bounds)
}

func TestMarkReadyRequiresPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "", "p1")
	token, _, _ := s.BeginProcessing(ctx, p.ID)
	require.Error(t, s.MarkReady(ctx, p.ID, token, "", nil))
}

func TestEventsAreOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "demo", "p1")
	token, _, _ := s.BeginProcessing(ctx, p.ID)
	require.NoError(t, s.MarkFailed(ctx, p.ID, token, "boom"))

	events, err := s.Events(ctx, p.ID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{"created", "processing", "failed"}, kinds)
	require.Equal(t, "boom", events[2].Detail["error"])
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.CreateProject(ctx, id, id)
		require.NoError(t, err)
	}
	list, err := s.ListProjects(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
