package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orthoforge/internal/fsutil"
	"orthoforge/internal/pipeline"
	"orthoforge/internal/storage"
	"orthoforge/internal/tiles"
)

type fakeOrchestrator struct {
	startErr error
	zoom     *tiles.ZoomRange
	zoomErr  error
	events   chan pipeline.Event
}

func (f *fakeOrchestrator) StartProcessing(ctx context.Context, id string) error { return f.startErr }

func (f *fakeOrchestrator) GetTileZoomRange(ctx context.Context, id string) (*tiles.ZoomRange, error) {
	return f.zoom, f.zoomErr
}

func (f *fakeOrchestrator) CancelTask(ctx context.Context, id string) error { return pipeline.ErrNoTask }

func (f *fakeOrchestrator) Subscribe() (<-chan pipeline.Event, func()) {
	return f.events, func() {}
}

type recordingWatcher struct{ watched []string }

func (w *recordingWatcher) Watch(id string) error {
	w.watched = append(w.watched, id)
	return nil
}

type fixture struct {
	srv    *httptest.Server
	store  *storage.Store
	layout fsutil.Layout
	orch   *fakeOrchestrator
	watch  *recordingWatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New("sqlite", filepath.Join(root, "srv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:  store,
		layout: fsutil.Layout{Root: root},
		orch:   &fakeOrchestrator{events: make(chan pipeline.Event, 4)},
		watch:  &recordingWatcher{},
	}
	s := New(Options{Store: store, Layout: f.layout, Orchestrator: f.orch, Watcher: f.watch})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func multipartImages(t *testing.T, names ...string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("image-bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), buf.Bytes()
}

func TestCreateAndGetProject(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/projects", "application/json", []byte(`{"id":"site-a","name":"Site A"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p storage.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	require.Equal(t, "site-a", p.ID)
	require.Equal(t, storage.StatusCreated, p.Status)
	require.DirExists(t, f.layout.UploadDir("site-a"))
	require.Equal(t, []string{"site-a"}, f.watch.watched)

	resp = f.get(t, "/projects/site-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.get(t, "/projects/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.post(t, "/projects", "application/json", []byte(`{"id":"../etc","name":"x"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadImages(t *testing.T) {
	f := newFixture(t)
	p, err := f.store.CreateProject(context.Background(), "field", "")
	require.NoError(t, err)

	ct, body := multipartImages(t, "DJI_0001.JPG", "DJI_0002.JPG")
	resp := f.post(t, "/projects/"+p.ID+"/images", ct, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 2, out.Images)
	require.FileExists(t, filepath.Join(f.layout.UploadDir(p.ID), "DJI_0001.JPG"))

	got, err := f.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusUploading, got.Status)
	require.Equal(t, 2, got.ImageCount)

	ct, body = multipartImages(t, "notes.txt")
	resp = f.post(t, "/projects/"+p.ID+"/images", ct, body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ct, body = multipartImages(t, "a.jpg")
	resp = f.post(t, "/projects/missing/images", ct, body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartProcessingStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusAccepted},
		{pipeline.ErrNotEnoughImages, http.StatusBadRequest},
		{pipeline.ErrInvalidState, http.StatusConflict},
		{storage.ErrNotFound, http.StatusNotFound},
		{pipeline.ErrQueueFull, http.StatusServiceUnavailable},
	}
	f := newFixture(t)
	for _, tt := range tests {
		f.orch.startErr = tt.err
		resp := f.post(t, "/projects/p1/process", "application/json", nil)
		require.Equal(t, tt.want, resp.StatusCode, "error %v", tt.err)
	}

	resp := f.post(t, "/projects/p1/cancel", "application/json", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestZoomRange(t *testing.T) {
	f := newFixture(t)

	f.orch.zoomErr = pipeline.ErrInvalidState
	require.Equal(t, http.StatusConflict, f.get(t, "/projects/p1/tiles/zoom").StatusCode)

	f.orch.zoomErr = nil
	f.orch.zoom = &tiles.ZoomRange{Min: 16, Max: 18, Best: 17}
	resp := f.get(t, "/projects/p1/tiles/zoom")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out zoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, zoomResponse{Min: 16, Max: 18, Best: 17}, out)
}

func TestServeTiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.store.CreateProject(ctx, "field", "")
	require.NoError(t, err)

	require.Equal(t, http.StatusConflict, f.get(t, "/projects/"+p.ID+"/tiles/17/1/2.png").StatusCode)

	token, _, err := f.store.BeginProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkReady(ctx, p.ID, token, f.layout.OrthomosaicPath(p.ID), nil))

	dir := filepath.Join(f.layout.TileDir(p.ID), "17", "1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.png"), []byte("png"), 0o644))

	resp := f.get(t, "/projects/"+p.ID+"/tiles/17/1/2.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.StatusNotFound, f.get(t, "/projects/"+p.ID+"/tiles/17/1/3.png").StatusCode)
}

func TestStreamFiltersByProject(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/stream?project=p2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.orch.events <- pipeline.Event{ProjectID: "p1", Kind: pipeline.EventReady}
	f.orch.events <- pipeline.Event{ProjectID: "p2", Kind: pipeline.EventFailed, Message: "boom"}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		require.Equal(t, "p2", ev.ProjectID)
		require.Equal(t, "boom", ev.Message)
		return
	}
	t.Fatal("stream ended without an event")
}
