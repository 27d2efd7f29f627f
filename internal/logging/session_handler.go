package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// sessionIDHandler wraps another handler to inject a session_id attribute into all records.
type sessionIDHandler struct {
	base      slog.Handler
	sessionID string
}

func newSessionIDHandler(base slog.Handler, sessionID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return &sessionIDHandler{
		base:      base,
		sessionID: sessionID,
	}
}

func (h *sessionIDHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *sessionIDHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(slog.String(FieldSessionID, h.sessionID))
	return h.base.Handle(ctx, record)
}

func (h *sessionIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionIDHandler{
		base:      h.base.WithAttrs(attrs),
		sessionID: h.sessionID,
	}
}

func (h *sessionIDHandler) WithGroup(name string) slog.Handler {
	return &sessionIDHandler{
		base:      h.base.WithGroup(name),
		sessionID: h.sessionID,
	}
}

// SessionLogFile captures a per-session log journal under dir. Records written
// through Logger carry the session_id attribute and land both in the base
// logger's outputs and the session file.
type SessionLogFile struct {
	file *os.File
	path string
}

// NewSessionLogFile opens (and appends to) dir/<sessionID>.log and returns a
// logger that tees base output into it. Close releases the file handle.
func NewSessionLogFile(base *slog.Logger, dir, sessionID string) (*slog.Logger, *SessionLogFile, error) {
	if dir == "" || sessionID == "" {
		return base, nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return base, nil, fmt.Errorf("ensure session log dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return base, nil, fmt.Errorf("open session log %s: %w", path, err)
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelDebug)
	fileHandler := newSessionIDHandler(newPrettyHandler(file, levelVar, false), sessionID)
	logger := TeeLogger(base, fileHandler)
	return logger, &SessionLogFile{file: file, path: path}, nil
}

// Path reports the session log location.
func (s *SessionLogFile) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close releases the underlying file handle.
func (s *SessionLogFile) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
