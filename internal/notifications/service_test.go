package notifications

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/config"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := NewService(&cfg)
	if err := svc.Publish(context.Background(), EventSessionCompleted, Payload{"label": "example"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestPublishFormatsEvents(t *testing.T) {
	tests := []struct {
		name           string
		event          Event
		payload        Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "session completed",
			event: EventSessionCompleted,
			payload: Payload{
				"label":     "raid night",
				"sessionID": "20240601_2000_ab12cd",
				"clipURL":   "https://media.example.com/clips/raid.mp4",
			},
			expectTitle:    "Conductor - Session Complete",
			expectMessage:  "✅ Session complete: raid night\nClip: https://media.example.com/clips/raid.mp4",
			expectTags:     "conductor,session,completed",
			expectPriority: "high",
		},
		{
			name:  "session completed without clip link",
			event: EventSessionCompleted,
			payload: Payload{
				"sessionID": "20240601_2000_ab12cd",
			},
			expectTitle:    "Conductor - Session Complete",
			expectMessage:  "✅ Session complete: 20240601_2000_ab12cd",
			expectTags:     "conductor,session,completed",
			expectPriority: "high",
		},
		{
			name:  "stage failed",
			event: EventStageFailed,
			payload: Payload{
				"sessionID": "20240601_2000_ab12cd",
				"stage":     "syncing_audio",
				"error":     "ffmpeg exited with status 1",
			},
			expectTitle:    "Conductor - Stage Failed",
			expectMessage:  "❌ Syncing Audio failed for 20240601_2000_ab12cd: ffmpeg exited with status 1",
			expectTags:     "conductor,stage,failed",
			expectPriority: "high",
		},
		{
			name:  "session abandoned",
			event: EventSessionAbandoned,
			payload: Payload{
				"label":  "raid night",
				"reason": "superseded by a new capture start",
			},
			expectTitle:   "Conductor - Session Abandoned",
			expectMessage: "Session abandoned: raid night\nReason: superseded by a new capture start",
			expectTags:    "conductor,session,abandoned",
		},
		{
			name:  "orphan parked",
			event: EventOrphanParked,
			payload: Payload{
				"file":   "20240601_2000_s0_e720_raid.mp4",
				"reason": "no capture session within match tolerance",
			},
			expectTitle:   "Conductor - Orphan Clip",
			expectMessage: "Parked for review: 20240601_2000_s0_e720_raid.mp4\nReason: no capture session within match tolerance",
			expectTags:    "conductor,orphan,review",
		},
		{
			name:  "device attached",
			event: EventDeviceAttached,
			payload: Payload{
				"device": "Elgato HD60 X",
			},
			expectTitle:   "Conductor - Capture Device",
			expectMessage: "🎥 Capture device attached: Elgato HD60 X",
			expectTags:    "conductor,device,attached",
		},
		{
			name:          "device detached",
			event:         EventDeviceDetached,
			payload:       Payload{},
			expectTitle:   "Conductor - Capture Device",
			expectMessage: "Capture device detached",
			expectTags:    "conductor,device,detached",
		},
		{
			name:  "daemon started",
			event: EventDaemonStarted,
			payload: Payload{
				"version": "0.1.0",
			},
			expectTitle:   "Conductor - Daemon",
			expectMessage: "Conductor daemon started (0.1.0)",
			expectTags:    "conductor,daemon,started",
		},
		{
			name:           "test ping",
			event:          EventTest,
			payload:        nil,
			expectTitle:    "Conductor - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "conductor,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestDisabledTogglesSuppressEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.SessionComplete = false
	cfg.Notifications.StageFailure = false
	cfg.Notifications.OrphanSessions = false
	cfg.Notifications.Errors = false

	svc := NewService(&cfg)
	suppressed := []Event{
		EventSessionCompleted,
		EventStageFailed,
		EventOrphanParked,
		EventSessionAbandoned,
	}

	for _, event := range suppressed {
		if err := svc.Publish(context.Background(), event, Payload{"label": "ignored"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for unknown event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := NewService(&cfg)
	if err := svc.Publish(context.Background(), Event("mystery_event"), Payload{"value": "ignored"}); err != nil {
		t.Fatalf("expected unknown event to be ignored, got %v", err)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.DedupWindowSeconds = 600

	svc := NewService(&cfg)
	ntfy, ok := svc.(*ntfyService)
	if !ok {
		t.Fatalf("expected ntfy-backed service, got %T", svc)
	}
	current := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	ntfy.now = func() time.Time { return current }

	flapping := Payload{"file": "20240601_2000_s0_e720_raid.mp4", "reason": "no capture session within match tolerance"}
	for i := 0; i < 3; i++ {
		if err := svc.Publish(context.Background(), EventOrphanParked, flapping); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one delivery for repeats inside the window, got %d", got)
	}

	distinct := Payload{"file": "20240601_2010_s0_e300_scrim.mp4", "reason": "no capture session within match tolerance"}
	if err := svc.Publish(context.Background(), EventOrphanParked, distinct); err != nil {
		t.Fatalf("publish distinct: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a distinct message to deliver, got %d calls", got)
	}

	current = current.Add(11 * time.Minute)
	if err := svc.Publish(context.Background(), EventOrphanParked, flapping); err != nil {
		t.Fatalf("publish after window: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected redelivery once the window elapsed, got %d calls", got)
	}
}

func TestTestEventBypassesDedup(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.DedupWindowSeconds = 600

	svc := NewService(&cfg)
	for i := 0; i < 2; i++ {
		if err := svc.Publish(context.Background(), EventTest, nil); err != nil {
			t.Fatalf("test publish %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected every test ping to deliver, got %d calls", got)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := NewService(&cfg)
	payload := Payload{"sessionID": "20240601_2000_ab12cd", "stage": "uploading", "error": "rclone exited with status 1"}
	err := svc.Publish(context.Background(), EventStageFailed, payload)
	if err == nil {
		t.Fatal("expected error from non-2xx response")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "topic quota exceeded") {
		t.Fatalf("expected status and body in error, got %v", err)
	}

	// A failed delivery must not arm the dedup window.
	if err := svc.Publish(context.Background(), EventStageFailed, payload); err == nil {
		t.Fatal("expected error from second attempt")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected the retry to reach the server, got %d calls", got)
	}
}
