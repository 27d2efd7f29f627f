// Package rclone delivers finished clips to a configured remote with
// rclone copyto. The remote destination string doubles as the stage
// artifact so downstream notification stages can reference the uploaded
// clip.
package rclone

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/config"
	"conductor/internal/logging"
)

const (
	rcloneBinary = "rclone"
	stageName    = "uploading"
)

// Destination layouts.
const (
	LayoutDate = "date"
	LayoutFlat = "flat"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// Adapter uploads one clip per invocation.
type Adapter struct {
	dest     string
	layout   string
	bwLimit  string
	logger   *slog.Logger
	run      commandRunner
	lookPath func(string) (string, error)
	now      func() time.Time
}

// New builds the upload adapter from configuration.
func New(cfg config.Upload, logger *slog.Logger) (*Adapter, error) {
	dest := strings.TrimRight(strings.TrimSpace(cfg.Destination), "/")
	if dest == "" {
		return nil, errors.New("rclone adapter requires upload.destination")
	}
	layout := strings.TrimSpace(cfg.Layout)
	if layout == "" {
		layout = LayoutDate
	}
	if layout != LayoutDate && layout != LayoutFlat {
		return nil, fmt.Errorf("rclone adapter: unsupported layout %q", layout)
	}
	return &Adapter{
		dest:     dest,
		layout:   layout,
		bwLimit:  strings.TrimSpace(cfg.BandwidthLimit),
		logger:   logging.NewComponentLogger(logger, "rclone-adapter"),
		run:      defaultCommandRunner,
		lookPath: exec.LookPath,
		now:      time.Now,
	}, nil
}

// Capability names the stage this adapter serves.
func (a *Adapter) Capability() string {
	return stageName
}

// Execute copies the stage input to the remote destination.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return adapter.Result{}, adapter.Permanent(stageName, "copy", "no input file to upload", nil)
	}

	remote := a.remoteFor(req)
	args := []string{"copyto", req.Input, remote}
	if a.bwLimit != "" {
		args = append(args, "--bwlimit", a.bwLimit)
	}

	a.logger.Info("uploading clip",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.String("remote", remote))

	started := time.Now()
	output, err := a.run(ctx, rcloneBinary, args...)
	elapsed := time.Since(started)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			msg := fmt.Sprintf("upload interrupted after %s", elapsed.Round(time.Second))
			return adapter.Result{}, adapter.Transient(stageName, "copy", msg, ctx.Err())
		case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
			return adapter.Result{}, adapter.Permanent(stageName, "copy", "rclone is not installed or not in PATH", err)
		default:
			msg := fmt.Sprintf("rclone copyto failed: %v", err)
			if detail := strings.TrimSpace(string(output)); detail != "" {
				msg = fmt.Sprintf("%s: %s", msg, tail(detail, 2048))
			}
			return adapter.Result{}, adapter.Transient(stageName, "copy", msg, err)
		}
	}

	a.logger.Info("upload finished",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.String("remote", remote),
		logging.Duration("elapsed", elapsed))
	return adapter.Result{
		ArtifactPath: remote,
		Metadata: map[string]string{
			"remote":  remote,
			"elapsed": elapsed.Round(time.Millisecond).String(),
		},
	}, nil
}

// HealthCheck verifies the rclone binary resolves on PATH.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	if _, err := a.lookPath(rcloneBinary); err != nil {
		return adapter.Unhealthy(stageName, "rclone not found in PATH")
	}
	return adapter.Healthy(stageName)
}

// remoteFor joins the configured destination with the clip name. Clips keep
// the render tool's name, which is unique by construction; staging filenames
// like synced.mp4 repeat across sessions and would overwrite each other on
// the remote. The date layout groups clips by capture day taken from the
// session ID prefix.
func (a *Adapter) remoteFor(req adapter.Request) string {
	name := filepath.Base(req.Input)
	if req.RenderFile != "" {
		name = filepath.Base(req.RenderFile)
	}
	if a.layout == LayoutFlat {
		return a.dest + "/" + name
	}
	return a.dest + "/" + a.captureDay(req.SessionID).Format("2006/01/02") + "/" + name
}

func (a *Adapter) captureDay(sessionID string) time.Time {
	if len(sessionID) >= 8 {
		if day, err := time.ParseInLocation("20060102", sessionID[:8], time.UTC); err == nil {
			return day
		}
	}
	return a.now().UTC()
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
