package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"conductor/internal/config"
)

const userAgent = "Conductor/0.1.0"

// Event identifies a notification kind. The payload keys an event reads are
// noted on its constant.
type Event string

const (
	// EventSessionCompleted reads label, sessionID, clipURL.
	EventSessionCompleted Event = "session_completed"
	// EventStageFailed reads label, sessionID, stage, error.
	EventStageFailed Event = "stage_failed"
	// EventSessionAbandoned reads label, sessionID, reason.
	EventSessionAbandoned Event = "session_abandoned"
	// EventOrphanParked reads file, reason.
	EventOrphanParked Event = "orphan_parked"
	// EventDeviceAttached and EventDeviceDetached read device.
	EventDeviceAttached Event = "device_attached"
	EventDeviceDetached Event = "device_detached"
	// EventDaemonStarted reads version; EventDaemonStopped reads nothing.
	EventDaemonStarted Event = "daemon_started"
	EventDaemonStopped Event = "daemon_stopped"
	// EventTest carries no payload.
	EventTest Event = "test"
)

// Payload carries the fields referenced by an event's message template.
type Payload map[string]string

func (p Payload) field(key string) string {
	return strings.TrimSpace(p[key])
}

// Service defines the notification surface exposed to daemon components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		cfg:      cfg.Notifications,
		window:   time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

type note struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	cfg      config.Notifications
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled(event) {
		return nil
	}
	data, ok := compose(event, payload)
	if !ok {
		return nil
	}

	// A manual test ping always goes out.
	dedupe := n.window > 0 && event != EventTest
	key := dedupKey(event, data)
	if dedupe && n.suppressed(key) {
		return nil
	}
	if err := n.send(ctx, data); err != nil {
		return err
	}
	if dedupe {
		n.remember(key)
	}
	return nil
}

func (n *ntfyService) enabled(event Event) bool {
	switch event {
	case EventSessionCompleted:
		return n.cfg.SessionComplete
	case EventStageFailed:
		return n.cfg.StageFailure
	case EventOrphanParked:
		return n.cfg.OrphanSessions
	case EventSessionAbandoned:
		return n.cfg.Errors
	default:
		return true
	}
}

func compose(event Event, payload Payload) (note, bool) {
	switch event {
	case EventSessionCompleted:
		label := payload.field("label")
		if label == "" {
			label = payload.field("sessionID")
		}
		message := fmt.Sprintf("✅ Session complete: %s", label)
		if url := payload.field("clipURL"); url != "" {
			message = fmt.Sprintf("%s\nClip: %s", message, url)
		}
		return note{
			title:    "Conductor - Session Complete",
			message:  message,
			tags:     []string{"conductor", "session", "completed"},
			priority: "high",
		}, true
	case EventStageFailed:
		label := payload.field("label")
		if label == "" {
			label = payload.field("sessionID")
		}
		stage := humanStage(payload.field("stage"))
		if stage == "" {
			stage = "Stage"
		}
		reason := payload.field("error")
		if reason == "" {
			reason = "unknown"
		}
		return note{
			title:    "Conductor - Stage Failed",
			message:  fmt.Sprintf("❌ %s failed for %s: %s", stage, label, reason),
			tags:     []string{"conductor", "stage", "failed"},
			priority: "high",
		}, true
	case EventSessionAbandoned:
		label := payload.field("label")
		if label == "" {
			label = payload.field("sessionID")
		}
		message := fmt.Sprintf("Session abandoned: %s", label)
		if reason := payload.field("reason"); reason != "" {
			message = fmt.Sprintf("%s\nReason: %s", message, reason)
		}
		return note{
			title:   "Conductor - Session Abandoned",
			message: message,
			tags:    []string{"conductor", "session", "abandoned"},
		}, true
	case EventOrphanParked:
		message := fmt.Sprintf("Parked for review: %s", payload.field("file"))
		if reason := payload.field("reason"); reason != "" {
			message = fmt.Sprintf("%s\nReason: %s", message, reason)
		}
		return note{
			title:   "Conductor - Orphan Clip",
			message: message,
			tags:    []string{"conductor", "orphan", "review"},
		}, true
	case EventDeviceAttached:
		message := "🎥 Capture device attached"
		if device := payload.field("device"); device != "" {
			message = fmt.Sprintf("%s: %s", message, device)
		}
		return note{
			title:   "Conductor - Capture Device",
			message: message,
			tags:    []string{"conductor", "device", "attached"},
		}, true
	case EventDeviceDetached:
		message := "Capture device detached"
		if device := payload.field("device"); device != "" {
			message = fmt.Sprintf("%s: %s", message, device)
		}
		return note{
			title:   "Conductor - Capture Device",
			message: message,
			tags:    []string{"conductor", "device", "detached"},
		}, true
	case EventDaemonStarted:
		message := "Conductor daemon started"
		if version := payload.field("version"); version != "" {
			message = fmt.Sprintf("%s (%s)", message, version)
		}
		return note{
			title:   "Conductor - Daemon",
			message: message,
			tags:    []string{"conductor", "daemon", "started"},
		}, true
	case EventDaemonStopped:
		return note{
			title:   "Conductor - Daemon",
			message: "Conductor daemon stopped",
			tags:    []string{"conductor", "daemon", "stopped"},
		}, true
	case EventTest:
		return note{
			title:    "Conductor - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"conductor", "test"},
			priority: "low",
		}, true
	}
	return note{}, false
}

// humanStage turns a stage identifier into operator-facing text.
func humanStage(stage string) string {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ""
	}
	return cases.Title(language.Und).String(strings.ReplaceAll(stage, "_", " "))
}

func dedupKey(event Event, data note) string {
	return string(event) + "\x00" + data.title + "\x00" + data.message
}

func (n *ntfyService) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.lastSent {
		if now.Sub(at) >= n.window {
			delete(n.lastSent, k)
		}
	}
	_, ok := n.lastSent[key]
	return ok
}

func (n *ntfyService) remember(key string) {
	n.mu.Lock()
	n.lastSent[key] = n.now()
	n.mu.Unlock()
}

func (n *ntfyService) send(ctx context.Context, data note) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
