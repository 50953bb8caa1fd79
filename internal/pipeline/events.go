package pipeline

import (
	"time"

	"orthoforge/internal/storage"
)

// EventKind names a step of a project run.
type EventKind string

const (
	EventQueued      EventKind = "queued"
	EventTaskCreated EventKind = "task_created"
	EventUpload      EventKind = "upload"
	EventProgress    EventKind = "progress"
	EventStage       EventKind = "stage"
	EventReady       EventKind = "ready"
	EventFailed      EventKind = "failed"
)

// Event is broadcast to subscribers as a run advances.
type Event struct {
	ProjectID string         `json:"project_id"`
	Kind      EventKind      `json:"kind"`
	Status    storage.Status `json:"status,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Time      time.Time      `json:"time"`
}

// Terminal reports whether ev ends the run.
func (ev Event) Terminal() bool {
	return ev.Kind == EventReady || ev.Kind == EventFailed
}
