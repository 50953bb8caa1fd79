package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"orthoforge/internal/geo"
)

var (
	// ErrNotFound is returned when a requested project doesn't exist
	ErrNotFound = errors.New("project not found")

	// ErrConflict is returned when a status compare-and-swap loses
	ErrConflict = errors.New("conflict: project is not in the expected state")
)

// Status is the project lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanStartProcessing reports whether a pipeline may be triggered from s.
func (s Status) CanStartProcessing() bool {
	return s == StatusCreated || s == StatusUploading
}

// Store wraps SQLite-backed persistence for projects.
type Store struct {
	DB  *sql.DB // Export for direct database access
	now func() time.Time
}

// New opens (or creates) the database at path and ensures schema. driver is
// "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
func New(driver, path string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite would otherwise return SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL CHECK(status IN ('created','uploading','processing','ready','failed')),
            image_count INTEGER NOT NULL DEFAULT 0,
            compute_task_id TEXT,
            orthomosaic_path TEXT,
            bounds_geojson TEXT,
            processing_token TEXT,
            processing_started_at INTEGER,
            processing_completed_at INTEGER,
            error_message TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS project_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            project_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            detail_json TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_project ON project_events(project_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Project is the persisted project record.
type Project struct {
	ID                    string      `json:"id"`
	Name                  string      `json:"name"`
	Status                Status      `json:"status"`
	ImageCount            int         `json:"image_count"`
	ComputeTaskID         string      `json:"compute_task_id,omitempty"`
	OrthomosaicPath       string      `json:"orthomosaic_path,omitempty"`
	Bounds                *geo.Bounds `json:"bounds,omitempty"`
	ProcessingStartedAt   *time.Time  `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time  `json:"processing_completed_at,omitempty"`
	ErrorMessage          string      `json:"error_message,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Event is one entry of a project's transition log.
type Event struct {
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMilli()
}

// CreateProject inserts a project in the created state. An empty ID is
// replaced with a fresh UUID.
func (s *Store) CreateProject(ctx context.Context, name string, id string) (*Project, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.stamp()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO projects (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?);`,
		id, name, string(StatusCreated), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	_ = s.RecordEvent(ctx, id, "created", map[string]any{"name": name})
	return s.GetProject(ctx, id)
}

const projectColumns = `id, name, status, image_count, compute_task_id, orthomosaic_path, bounds_geojson,
    processing_started_at, processing_completed_at, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                    Project
		status               string
		taskID, path, bounds sql.NullString
		started, completed   sql.NullInt64
		errMsg               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &status, &p.ImageCount, &taskID, &path, &bounds,
		&started, &completed, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.ComputeTaskID = taskID.String
	p.OrthomosaicPath = path.String
	p.ErrorMessage = errMsg.String
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		p.ProcessingStartedAt = &t
	}
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		p.ProcessingCompletedAt = &t
	}
	if bounds.Valid && bounds.String != "" {
		b, err := geo.UnmarshalPolygon(bounds.String)
		if err != nil {
			return nil, err
		}
		p.Bounds = &b
	}
	return &p, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?;`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the latest projects up to limit.
func (s *Store) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordImages updates the received image count. The first image moves a
// created project to uploading; counts are ignored once processing started.
func (s *Store) RecordImages(ctx context.Context, id string, count int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects
        SET image_count = ?,
            status = CASE WHEN status = 'created' AND ? > 0 THEN 'uploading' ELSE status END,
            updated_at = ?
        WHERE id = ? AND status IN ('created', 'uploading');`,
		count, count, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to record images: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// BeginProcessing atomically moves a project from created/uploading to
// processing and returns the ownership token every later write must present.
func (s *Store) BeginProcessing(ctx context.Context, id string) (string, Status, error) {
	current, err := s.GetProject(ctx, id)
	if err != nil {
		return "", "", err
	}
	if !current.Status.CanStartProcessing() {
		return "", current.Status, ErrConflict
	}
	token := uuid.NewString()
	now := s.stamp()
	res, err := s.DB.ExecContext(ctx, `UPDATE projects
        SET status = 'processing', processing_token = ?, processing_started_at = ?,
            processing_completed_at = NULL, error_message = NULL, updated_at = ?
        WHERE id = ? AND status IN ('created', 'uploading');`,
		token, now, now, id)
	if err != nil {
		return "", "", fmt.Errorf("failed to begin processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", current.Status, ErrConflict
	}
	_ = s.RecordEvent(ctx, id, string(StatusProcessing), map[string]any{"from": string(current.Status)})
	return token, current.Status, nil
}

// AttachTask stores the compute task handle on a processing project.
func (s *Store) AttachTask(ctx context.Context, id, token, taskID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET compute_task_id = ?, updated_at = ?
        WHERE id = ? AND status = 'processing' AND processing_token = ?;`,
		taskID, s.stamp(), id, token)
	if err != nil {
		return fmt.Errorf("failed to attach task: %w", err)
	}
	if err := s.expectOne(ctx, res, id); err != nil {
		return err
	}
	_ = s.RecordEvent(ctx, id, "task_created", map[string]any{"task": taskID})
	return nil
}

// MarkReady finishes a run. path and bounds are written in the same statement
// as the status change.
func (s *Store) MarkReady(ctx context.Context, id, token, path string, bounds *geo.Bounds) error {
	if path == "" {
		return errors.New("ready project requires an orthomosaic path")
	}
	var boundsJSON sql.NullString
	if bounds != nil {
		enc, err := geo.MarshalPolygon(*bounds)
		if err != nil {
			return err
		}
		boundsJSON = sql.NullString{String: enc, Valid: true}
	}
	now := s.stamp()
	res, err := s.DB.ExecContext(ctx, `UPDATE projects
        SET status = 'ready', orthomosaic_path = ?, bounds_geojson = ?, error_message = NULL,
            processing_completed_at = ?, processing_token = NULL, updated_at = ?
        WHERE id = ? AND status = 'processing' AND processing_token = ?;`,
		path, boundsJSON, now, now, id, token)
	if err != nil {
		return fmt.Errorf("failed to mark ready: %w", err)
	}
	if err := s.expectOne(ctx, res, id); err != nil {
		return err
	}
	_ = s.RecordEvent(ctx, id, string(StatusReady), map[string]any{"path": path, "has_bounds": bounds != nil})
	return nil
}

// MarkFailed records a terminal failure with a human-readable message.
func (s *Store) MarkFailed(ctx context.Context, id, token, message string) error {
	if message == "" {
		message = "processing failed"
	}
	now := s.stamp()
	res, err := s.DB.ExecContext(ctx, `UPDATE projects
        SET status = 'failed', error_message = ?, orthomosaic_path = NULL, bounds_geojson = NULL,
            processing_completed_at = ?, processing_token = NULL, updated_at = ?
        WHERE id = ? AND status = 'processing' AND processing_token = ?;`,
		message, now, now, id, token)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if err := s.expectOne(ctx, res, id); err != nil {
		return err
	}
	_ = s.RecordEvent(ctx, id, string(StatusFailed), map[string]any{"error": message})
	return nil
}

func (s *Store) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetProject(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// RecordEvent appends to the project's event log.
func (s *Store) RecordEvent(ctx context.Context, id, kind string, detail map[string]any) error {
	detailJSON, _ := json.Marshal(detail)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO project_events (project_id, kind, detail_json, created_at) VALUES (?, ?, ?, ?);`,
		id, kind, string(detailJSON), s.stamp())
	return err
}

// Events returns a project's events oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT project_id, kind, detail_json, created_at FROM project_events WHERE project_id = ? ORDER BY id ASC;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev         Event
			detailJSON sql.NullString
			created    int64
		)
		if err := rows.Scan(&ev.ProjectID, &ev.Kind, &detailJSON, &created); err != nil {
			return nil, err
		}
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
