package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/pipeline"
	"conductor/internal/testsupport"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, string) error { return nil }

func newTestDaemon(t *testing.T, cfg *config.Config) (*daemon.Daemon, *manifest.Store) {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	eventBus := bus.New(logger)
	t.Cleanup(eventBus.Close)

	controller := pipeline.New(cfg, store, eventBus, noopRunner{}, logger)
	d, err := daemon.New(cfg, store, eventBus, controller, nil, logger, filepath.Join(cfg.LogDir(), "conductord.log"))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
	})
	return d, store
}

func waitForSession(t *testing.T, store *manifest.Store, want manifest.Stage) *manifest.Session {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := store.List(context.Background())
		if err != nil {
			t.Fatalf("store.List: %v", err)
		}
		for _, session := range sessions {
			if session.Stage == want {
				return session
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no session reached stage %s", want)
	return nil
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.PID <= 0 {
		t.Fatalf("expected positive PID, got %d", status.PID)
	}
	if status.ManifestDBPath == "" || status.LockFilePath == "" {
		t.Fatal("expected manifest and lock paths in status")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonLockConflict(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, _ := newTestDaemon(t, cfg)
	second, _ := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second daemon to fail while lock is held")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start after lock release failed: %v", err)
	}
	second.Stop()
}

func TestDaemonSignalsDriveLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, store := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	if err := d.SignalCaptureStarted(started, "scrimmage"); err != nil {
		t.Fatalf("SignalCaptureStarted: %v", err)
	}
	session := waitForSession(t, store, manifest.StageCapturing)
	if session.Label != "scrimmage" {
		t.Fatalf("expected label to be recorded, got %q", session.Label)
	}

	if err := d.SignalCaptureStopped(started.Add(40*time.Minute), "/captures/scrimmage.mkv"); err != nil {
		t.Fatalf("SignalCaptureStopped: %v", err)
	}
	session = waitForSession(t, store, manifest.StageAwaitingRender)
	if session.CaptureFile != "/captures/scrimmage.mkv" {
		t.Fatalf("expected capture file to be recorded, got %q", session.CaptureFile)
	}
	if session.EndedAt == nil {
		t.Fatal("expected capture end time to be recorded")
	}

	d.Stop()
}

func TestDaemonSignalsRequireRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg)

	if err := d.SignalCaptureStarted(time.Time{}, "warmup"); err == nil {
		t.Fatal("expected signal against stopped daemon to fail")
	}
	if err := d.SignalCaptureStopped(time.Time{}, ""); err == nil {
		t.Fatal("expected signal against stopped daemon to fail")
	}
}

func TestDaemonTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg)

	sent, message, err := d.TestNotification(context.Background())
	if err != nil {
		t.Fatalf("TestNotification: %v", err)
	}
	if sent {
		t.Fatal("expected no send without a configured topic")
	}
	if message != "ntfy topic not configured" {
		t.Fatalf("unexpected message: %q", message)
	}
}

func TestDaemonPreflightReportsChecks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newTestDaemon(t, cfg)

	checks, dependencies := d.Preflight(context.Background())
	if len(checks) == 0 {
		t.Fatal("expected preflight checks")
	}
	if len(dependencies) == 0 {
		t.Fatal("expected dependency statuses")
	}
}
