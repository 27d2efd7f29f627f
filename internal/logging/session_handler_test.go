package logging

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestSessionIDHandler(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := newSessionIDHandler(base, "20260101_1200_ab12cd")

	slog.New(handler).Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"session_id":"20260101_1200_ab12cd"`) {
		t.Errorf("expected session_id in output, got: %s", output)
	}
}

func TestSessionIDHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := newSessionIDHandler(base, "20260101_1200_ab12cd")

	logger := slog.New(handler).With("extra", "value")
	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"session_id":"20260101_1200_ab12cd"`) {
		t.Errorf("expected session_id in output, got: %s", output)
	}
	if !strings.Contains(output, `"extra":"value"`) {
		t.Errorf("expected extra attr in output, got: %s", output)
	}
}

func TestSessionIDHandlerNilBase(t *testing.T) {
	handler := newSessionIDHandler(nil, "20260101_1200_ab12cd")
	if _, ok := handler.(NoopHandler); !ok {
		t.Errorf("expected NoopHandler when base is nil, got: %T", handler)
	}
}

func TestNewSessionLogFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	logger, capture, err := NewSessionLogFile(base, dir, "20260101_1200_ab12cd")
	if err != nil {
		t.Fatalf("NewSessionLogFile returned error: %v", err)
	}
	if capture == nil {
		t.Fatal("expected session log capture")
	}

	logger.Info("syncing finished")
	if err := capture.Close(); err != nil {
		t.Fatalf("close session log: %v", err)
	}

	content, err := os.ReadFile(capture.Path())
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(string(content), "syncing finished") {
		t.Errorf("expected message in session log, got %q", content)
	}
	if !strings.Contains(buf.String(), "syncing finished") {
		t.Error("expected message to also reach base logger")
	}
}

func TestNewSessionLogFileEmptyArgs(t *testing.T) {
	base := NewNop()
	logger, capture, err := NewSessionLogFile(base, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capture != nil {
		t.Error("expected nil capture for empty args")
	}
	if logger != base {
		t.Error("expected base logger returned unchanged")
	}
}
