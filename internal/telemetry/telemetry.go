// Package telemetry reports terminal run outcomes to PostHog. Without an API
// key every call is a no-op.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/posthog/posthog-go"

	"orthoforge/internal/config"
	"orthoforge/internal/pipeline"
)

// Version is reported with every event; set at link time.
var Version = "0.0.0-dev"

type enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Tracker enqueues analytics events.
type Tracker struct {
	client     enqueuer
	distinctID string
	log        *slog.Logger
}

// New returns a tracker for cfg. A missing key or a client that fails to
// initialize yields a disabled tracker.
func New(cfg config.Telemetry, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{distinctID: installID(), log: logger}
	if cfg.PostHogKey == "" {
		return t
	}
	client, err := posthog.NewWithConfig(cfg.PostHogKey, posthog.Config{Endpoint: cfg.PostHogHost})
	if err != nil {
		logger.Warn("Failed to initialize PostHog", "error", err)
		return t
	}
	t.client = client
	return t
}

func installID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "orthoforge-" + host
	}
	return "orthoforge"
}

// Enabled reports whether events are sent anywhere.
func (t *Tracker) Enabled() bool {
	return t.client != nil
}

// Track enqueues event with props.
func (t *Tracker) Track(event string, props map[string]any) {
	if t.client == nil {
		return
	}
	p := posthog.NewProperties().
		Set("version", Version).
		Set("os", runtime.GOOS).
		Set("arch", runtime.GOARCH)
	for k, v := range props {
		p.Set(k, v)
	}
	if err := t.client.Enqueue(posthog.Capture{DistinctId: t.distinctID, Event: event, Properties: p}); err != nil {
		t.log.Debug("Failed to enqueue telemetry event", "event", event, "error", err)
	}
}

// Watch tracks terminal run events until the channel closes or ctx ends.
func (t *Tracker) Watch(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case pipeline.EventReady:
				t.Track("orthomosaic_ready", map[string]any{"project": ev.ProjectID})
			case pipeline.EventFailed:
				t.Track("orthomosaic_failed", map[string]any{"project": ev.ProjectID, "error": ev.Message})
			}
		}
	}
}

// Close flushes pending events.
func (t *Tracker) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}
