package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"conductor/internal/bus"
	"conductor/internal/daemon"
	"conductor/internal/ipc"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/pipeline"
	"conductor/internal/testsupport"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, string) error { return nil }

func waitForStage(t *testing.T, store *manifest.Store, want manifest.Stage) *manifest.Session {
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

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	logPath := filepath.Join(cfg.LogDir(), "ipc-test.log")
	logger := logging.NewNop()
	eventBus := bus.New(logger)
	t.Cleanup(eventBus.Close)

	controller := pipeline.New(cfg, store, eventBus, noopRunner{}, logger)
	d, err := daemon.New(cfg, store, eventBus, controller, nil, logger, logPath)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.LogPath != logPath {
		t.Fatalf("unexpected log path in status: %s", status.LogPath)
	}

	startedAt := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	sigStart, err := client.SignalCaptureStarted(startedAt, "scrimmage")
	if err != nil {
		t.Fatalf("SignalCaptureStarted failed: %v", err)
	}
	if !sigStart.Accepted {
		t.Fatalf("expected start signal to be accepted: %s", sigStart.Message)
	}
	session := waitForStage(t, store, manifest.StageCapturing)
	if session.Label != "scrimmage" {
		t.Fatalf("expected label to be recorded, got %q", session.Label)
	}

	sigStop, err := client.SignalCaptureStopped(startedAt.Add(40*time.Minute), "/captures/scrimmage.mkv")
	if err != nil {
		t.Fatalf("SignalCaptureStopped failed: %v", err)
	}
	if !sigStop.Accepted {
		t.Fatalf("expected stop signal to be accepted: %s", sigStop.Message)
	}
	session = waitForStage(t, store, manifest.StageAwaitingRender)
	if session.CaptureFile != "/captures/scrimmage.mkv" {
		t.Fatalf("expected capture file to be recorded, got %q", session.CaptureFile)
	}

	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status.SessionStats[string(manifest.SessionPending)] != 1 {
		t.Fatalf("expected one pending session in stats, got %#v", status.SessionStats)
	}

	listResp, err := client.SessionList(nil)
	if err != nil {
		t.Fatalf("SessionList failed: %v", err)
	}
	if len(listResp.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(listResp.Sessions))
	}
	if listResp.Sessions[0].Stage != string(manifest.StageAwaitingRender) {
		t.Fatalf("unexpected stage in listing: %s", listResp.Sessions[0].Stage)
	}

	pendingResp, err := client.SessionList([]string{string(manifest.SessionPending)})
	if err != nil {
		t.Fatalf("SessionList pending filter failed: %v", err)
	}
	if len(pendingResp.Sessions) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(pendingResp.Sessions))
	}
	failedResp, err := client.SessionList([]string{string(manifest.SessionFailed)})
	if err != nil {
		t.Fatalf("SessionList failed filter failed: %v", err)
	}
	if len(failedResp.Sessions) != 0 {
		t.Fatalf("expected no failed sessions, got %d", len(failedResp.Sessions))
	}

	showResp, err := client.SessionShow(session.SessionID)
	if err != nil {
		t.Fatalf("SessionShow failed: %v", err)
	}
	if showResp.Session.SessionID != session.SessionID {
		t.Fatalf("unexpected session in show response: %s", showResp.Session.SessionID)
	}
	if showResp.Session.CaptureFile != "/captures/scrimmage.mkv" {
		t.Fatalf("expected capture file in summary, got %q", showResp.Session.CaptureFile)
	}
	if len(showResp.Session.Stages) == 0 {
		t.Fatal("expected per-stage statuses in summary")
	}
	if _, err := client.SessionShow(""); err == nil {
		t.Fatal("expected SessionShow without ID to fail")
	}

	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	logResp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("LogTail initial failed: %v", err)
	}
	if len(logResp.Lines) != 2 || logResp.Lines[0] != "second" || logResp.Lines[1] != "third" {
		t.Fatalf("unexpected log tail response: %#v", logResp.Lines)
	}

	followDone := make(chan struct{})
	go func(offset int64) {
		resp, err := client.LogTail(ipc.LogTailRequest{Offset: offset, Follow: true, WaitMillis: 500})
		if err != nil {
			t.Errorf("LogTail follow error: %v", err)
			return
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "fourth" {
			t.Errorf("unexpected follow lines: %#v", resp.Lines)
		}
		close(followDone)
	}(logResp.Offset)

	time.Sleep(100 * time.Millisecond)
	if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		_, _ = f.WriteString("fourth\n")
		_ = f.Close()
	} else {
		t.Fatalf("append log: %v", err)
	}

	select {
	case <-followDone:
	case <-time.After(10 * time.Second):
		t.Fatal("log tail follow timed out")
	}

	notifyResp, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification failed: %v", err)
	}
	if notifyResp.Sent {
		t.Fatal("expected no send without a configured topic")
	}
	if notifyResp.Message != "ntfy topic not configured" {
		t.Fatalf("unexpected notification message: %q", notifyResp.Message)
	}

	preResp, err := client.Preflight()
	if err != nil {
		t.Fatalf("Preflight failed: %v", err)
	}
	if len(preResp.Checks) == 0 {
		t.Fatal("expected preflight checks")
	}
	if len(preResp.Dependencies) == 0 {
		t.Fatal("expected dependency statuses")
	}
	for _, dep := range preResp.Dependencies {
		if dep.Severity == "" {
			t.Fatalf("expected severity on dependency %s", dep.Name)
		}
	}

	parked := testsupport.NewSession(t, store, "20260314_2200_z7w4qr", startedAt.Add(3*time.Hour))
	if _, err := store.Mutate(ctx, parked.SessionID, func(s *manifest.Session) error {
		s.Unmatched = true
		s.ReviewReason = "no capture session within match tolerance"
		return nil
	}); err != nil {
		t.Fatalf("store.Mutate: %v", err)
	}
	retryResp, err := client.Retry(parked.SessionID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !retryResp.Retried {
		t.Fatalf("expected retry to release the parked session: %s", retryResp.Message)
	}

	abandonResp, err := client.Abandon(session.SessionID, "operator canceled")
	if err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if !abandonResp.Abandoned {
		t.Fatalf("expected session to be abandoned: %s", abandonResp.Message)
	}
	if _, err := client.Retry(session.SessionID); err == nil {
		t.Fatal("expected retry of abandoned session to fail")
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatal("expected stop response to be true")
	}

	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}
