// Package odm talks to a NodeODM-compatible photogrammetry service.
package odm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"orthoforge/internal/assets"
	"orthoforge/internal/config"
	"orthoforge/internal/logging"
)

// MinAssetBytes is the smallest payload accepted as a real raster or archive.
const MinAssetBytes = 1024

var (
	// ErrTaskNotFound is matched by API errors carrying a 404.
	ErrTaskNotFound = errors.New("compute task not found")

	// ErrInvalidPayload is returned when a response body is not what the call expects.
	ErrInvalidPayload = errors.New("invalid payload from compute service")

	// ErrAssetTooSmall is returned when a download is below MinAssetBytes.
	ErrAssetTooSmall = errors.New("downloaded asset is too small")
)

// APIError is a non-success answer from the compute service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrTaskNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrTaskNotFound && e.StatusCode == http.StatusNotFound
}

// Status is a NodeODM task status code.
type Status int

const (
	StatusQueued    Status = 10
	StatusRunning   Status = 20
	StatusFailed    Status = 30
	StatusCompleted Status = 40
	StatusCanceled  Status = 50
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		// unknown codes are shown as running
		return "running"
	}
}

// Terminal reports whether the wait loop should stop on s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted || s == StatusCanceled
}

// TaskStatus is a single poll result.
type TaskStatus struct {
	Code     Status  `json:"code"`
	Progress float64 `json:"progress"`
}

// NodeInfo is the subset of GET /info the health monitor reports.
type NodeInfo struct {
	Version        string `json:"version"`
	TaskQueueCount int    `json:"taskQueueCount"`
	MaxImages      *int   `json:"maxImages"`
	Engine         string `json:"engine"`
	EngineVersion  string `json:"engineVersion"`
}

// Client is a NodeODM HTTP client. Timeouts are applied per call through the
// request context so uploads and downloads can run longer than control calls.
type Client struct {
	baseURL         string
	token           string
	httpClient      *http.Client
	requestTimeout  time.Duration
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger
}

// NewClient creates a client for cfg.BaseURL with system proxy support.
func NewClient(cfg config.Compute, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		requestTimeout:  cfg.RequestTimeout(),
		uploadTimeout:   cfg.UploadTimeout(),
		downloadTimeout: cfg.DownloadTimeout(),
		logger:          logger,
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) endpoint(path string) string {
	u := c.baseURL + path
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// CreateTask reserves a new task and returns its uuid.
func (c *Client) CreateTask(ctx context.Context, name string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("name", name)
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := c.postForm(ctx, "create task", "/task/new/init", form, &out); err != nil {
		return "", err
	}
	if out.UUID == "" {
		return "", fmt.Errorf("create task: %w: missing uuid", ErrInvalidPayload)
	}
	c.logger.Debug("Compute task created", "task", out.UUID, "name", name)
	return out.UUID, nil
}

// UploadImage streams one image as the multipart field "images".
func (c *Client) UploadImage(ctx context.Context, taskID, path string) error {
	ctx, cancel := withTimeout(ctx, c.uploadTimeout)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("images", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/task/new/upload/"+url.PathEscape(taskID)), pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "upload image", nil)
}

// CommitTask starts processing with the given options.
func (c *Client) CommitTask(ctx context.Context, taskID string, options []config.TaskOption) error {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()

	if options == nil {
		options = []config.TaskOption{}
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	form := url.Values{}
	form.Set("options", string(encoded))
	return c.postForm(ctx, "commit task", "/task/new/commit/"+url.PathEscape(taskID), form, nil)
}

// GetStatus fetches the current status code and progress.
func (c *Client) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	raw, err := c.taskInfo(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	var info struct {
		Status   json.RawMessage `json:"status"`
		Progress float64         `json:"progress"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return TaskStatus{}, fmt.Errorf("task info: %w: %v", ErrInvalidPayload, err)
	}
	code, err := parseStatusCode(info.Status)
	if err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{Code: code, Progress: info.Progress}, nil
}

// parseStatusCode accepts both a bare integer and {"code": n}.
func parseStatusCode(raw json.RawMessage) (Status, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, fmt.Errorf("task info: %w: missing status", ErrInvalidPayload)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return Status(n), nil
	}
	var obj struct {
		Code *int `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Code != nil {
		return Status(*obj.Code), nil
	}
	return 0, fmt.Errorf("task info: %w: unrecognized status %s", ErrInvalidPayload, string(raw))
}

// ListAssets returns the asset names the service reports for the task, or
// an empty list when the info payload carries none.
func (c *Client) ListAssets(ctx context.Context, taskID string) ([]string, error) {
	raw, err := c.taskInfo(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return assets.Normalize(raw), nil
}

func (c *Client) taskInfo(ctx context.Context, taskID string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/task/"+url.PathEscape(taskID)+"/info"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var raw json.RawMessage
	if err := c.do(req, "task info", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DownloadAsset fetches asset into dest. The body is written to dest+".part"
// and only renamed into place once it passed every check.
func (c *Client) DownloadAsset(ctx context.Context, taskID, asset, dest string) error {
	ctx, cancel := withTimeout(ctx, c.downloadTimeout)
	defer cancel()

	op := "download " + asset
	u := c.endpoint("/task/" + url.PathEscape(taskID) + "/download/" + escapeAsset(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: readSnippet(resp.Body)}
	}
	if isTextualContentType(resp.Header.Get("Content-Type")) {
		return fmt.Errorf("%s: %w: content type %q (%s)", op, ErrInvalidPayload,
			resp.Header.Get("Content-Type"), readSnippet(resp.Body))
	}

	br := bufio.NewReaderSize(resp.Body, 4096)
	head, _ := br.Peek(512)
	if looksTextual(head) {
		return fmt.Errorf("%s: %w: body looks like text (%s)", op, ErrInvalidPayload, truncate(string(head), 200))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, br)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("%s: %w", op, err)
	}
	if n < MinAssetBytes {
		os.Remove(part)
		return fmt.Errorf("%s: %w: %d bytes", op, ErrAssetTooSmall, n)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	c.logger.Debug("Asset downloaded", "task", taskID, "asset", asset, "size", logging.Bytes(n))
	return nil
}

// Cancel asks the service to stop the task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.postUUID(ctx, "cancel task", "/task/cancel", taskID)
}

// Remove deletes the task and its assets on the service.
func (c *Client) Remove(ctx context.Context, taskID string) error {
	return c.postUUID(ctx, "remove task", "/task/remove", taskID)
}

// Info reports node version and queue depth.
func (c *Client) Info(ctx context.Context) (NodeInfo, error) {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/info"), nil)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	var info NodeInfo
	if err := c.do(req, "node info", &info); err != nil {
		return NodeInfo{}, err
	}
	return info, nil
}

func (c *Client) postUUID(ctx context.Context, op, path, taskID string) error {
	ctx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"uuid": taskID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, nil)
}

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, op, out)
}

// do executes req and decodes a JSON body into out. {"error": ...} bodies
// are errors even on 2xx.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := apiErrorMessage(data)
		if msg == "" {
			msg = truncate(strings.TrimSpace(string(data)), 512)
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if msg := apiErrorMessage(data); msg != "" {
		return &APIError{Op: op, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidPayload, err)
	}
	return nil
}

func apiErrorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) != nil {
		return ""
	}
	return e.Error
}

func escapeAsset(asset string) string {
	parts := strings.Split(asset, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func isTextualContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "text/") || mt == "application/json" || strings.HasSuffix(mt, "+json") ||
		mt == "application/xml" || strings.HasSuffix(mt, "+xml")
}

// looksTextual reports whether head is JSON, markup or printable text.
func looksTextual(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[', '<':
		return true
	}
	if !utf8.Valid(trimmed) {
		return false
	}
	for _, r := range string(trimmed) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return truncate(strings.TrimSpace(string(data)), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
