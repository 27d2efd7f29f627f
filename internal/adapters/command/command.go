// Package command adapts external command-line tools to pipeline stages.
// An adapter is built from an argv template whose placeholders are filled
// from the stage request at execution time, so the same machinery drives
// the ffmpeg mux behind audio sync, the LUT pass behind color grading, and
// any operator-supplied tool.
package command

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/logging"
)

// Placeholders recognized in argv and env templates. {input}, {output},
// and {capture} must be non-empty when referenced; the rest may expand to
// empty strings.
const (
	PlaceholderInput      = "{input}"
	PlaceholderOutput     = "{output}"
	PlaceholderCapture    = "{capture}"
	PlaceholderSessionID  = "{session_id}"
	PlaceholderLabel      = "{label}"
	PlaceholderOffsetMS   = "{offset_ms}"
	PlaceholderOffset     = "{offset}"
	PlaceholderDurationMS = "{duration_ms}"
	PlaceholderDuration   = "{duration}"
)

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = map[string]struct{}{
	PlaceholderInput:      {},
	PlaceholderOutput:     {},
	PlaceholderCapture:    {},
	PlaceholderSessionID:  {},
	PlaceholderLabel:      {},
	PlaceholderOffsetMS:   {},
	PlaceholderOffset:     {},
	PlaceholderDurationMS: {},
	PlaceholderDuration:   {},
}

// Adapter runs one external tool for one pipeline stage.
type Adapter struct {
	stage    string
	argv     []string
	env      []string
	logger   *slog.Logger
	run      runner
	lookPath func(string) (string, error)
}

// Option adjusts adapter construction.
type Option func(*Adapter)

// WithEnv adds KEY=VALUE pairs to the tool's environment. Values may use
// the same placeholders as argv.
func WithEnv(env []string) Option {
	return func(a *Adapter) {
		a.env = append(a.env, env...)
	}
}

// New builds a command adapter for the named stage. The first argv element
// is the binary and must not contain placeholders; the remaining elements
// and any env values are expanded per request.
func New(stage string, argv []string, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return nil, errors.New("command adapter requires a stage name")
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("command adapter for %s requires a binary", stage)
	}
	if placeholderPattern.MatchString(argv[0]) {
		return nil, fmt.Errorf("command adapter for %s: binary %q must be literal", stage, argv[0])
	}

	a := &Adapter{
		stage:    stage,
		argv:     append([]string(nil), argv...),
		logger:   logging.NewComponentLogger(logger, "command-adapter"),
		run:      execRunner{},
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, tmpl := range append(append([]string(nil), a.argv...), a.env...) {
		for _, ph := range placeholderPattern.FindAllString(tmpl, -1) {
			if _, ok := knownPlaceholders[ph]; !ok {
				return nil, fmt.Errorf("command adapter for %s: unknown placeholder %s in %q", stage, ph, tmpl)
			}
		}
	}
	return a, nil
}

// Capability names the stage this adapter serves.
func (a *Adapter) Capability() string {
	return a.stage
}

// Execute expands the template against the request and runs the tool,
// streaming progress from stdout when the tool reports it.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	argv, env, err := a.expand(req)
	if err != nil {
		return adapter.Result{}, adapter.Permanent(a.stage, "expand", err.Error(), err)
	}

	a.logger.Debug("running stage tool",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.String("command", strings.Join(argv, " ")))

	lastBucket := -1
	onStdout := func(line string) {
		if req.Progress == nil || req.DurationMS <= 0 {
			return
		}
		processed, ok := parseProgressLine(line)
		if !ok {
			return
		}
		total := time.Duration(req.DurationMS) * time.Millisecond
		percent := float64(processed.Milliseconds()) / float64(req.DurationMS) * 100
		if percent > 100 {
			percent = 100
		}
		if bucket := int(percent); bucket > lastBucket {
			lastBucket = bucket
			req.Progress(percent, fmt.Sprintf("processed %s of %s", processed.Round(time.Second), total.Round(time.Second)))
		}
	}

	started := time.Now()
	stderrTail, err := a.run.Run(ctx, argv[0], argv[1:], env, onStdout)
	elapsed := time.Since(started)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			msg := fmt.Sprintf("%s interrupted after %s", argv[0], elapsed.Round(time.Second))
			return adapter.Result{}, adapter.Transient(a.stage, "run", msg, ctx.Err())
		case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
			msg := fmt.Sprintf("%s is not installed or not in PATH", argv[0])
			return adapter.Result{}, adapter.Permanent(a.stage, "run", msg, err)
		default:
			msg := fmt.Sprintf("%s failed: %v", argv[0], err)
			if detail := strings.TrimSpace(stderrTail); detail != "" {
				msg = fmt.Sprintf("%s: %s", msg, detail)
			}
			return adapter.Result{}, adapter.Transient(a.stage, "run", msg, err)
		}
	}

	a.logger.Info("stage tool finished",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.String("binary", argv[0]),
		logging.Duration("elapsed", elapsed))
	return adapter.Result{
		ArtifactPath: req.Output,
		Metadata: map[string]string{
			"tool":    argv[0],
			"elapsed": elapsed.Round(time.Millisecond).String(),
		},
	}, nil
}

// HealthCheck verifies the binary resolves on PATH.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	if _, err := a.lookPath(a.argv[0]); err != nil {
		return adapter.Unhealthy(a.stage, fmt.Sprintf("%s not found in PATH", a.argv[0]))
	}
	return adapter.Healthy(a.stage)
}

func (a *Adapter) expand(req adapter.Request) ([]string, []string, error) {
	values := map[string]string{
		PlaceholderInput:      req.Input,
		PlaceholderOutput:     req.Output,
		PlaceholderCapture:    req.CaptureFile,
		PlaceholderSessionID:  req.SessionID,
		PlaceholderLabel:      req.Label,
		PlaceholderOffsetMS:   strconv.FormatInt(req.OffsetMS, 10),
		PlaceholderOffset:     formatSeconds(req.OffsetMS),
		PlaceholderDurationMS: strconv.FormatInt(req.DurationMS, 10),
		PlaceholderDuration:   formatSeconds(req.DurationMS),
	}
	expandOne := func(tmpl string) (string, error) {
		out := tmpl
		for key, value := range values {
			if !strings.Contains(out, key) {
				continue
			}
			if value == "" {
				switch key {
				case PlaceholderInput, PlaceholderOutput, PlaceholderCapture:
					return "", fmt.Errorf("template references %s but the request does not carry it", key)
				}
			}
			out = strings.ReplaceAll(out, key, value)
		}
		return out, nil
	}

	argv := make([]string, 0, len(a.argv))
	for _, tmpl := range a.argv {
		arg, err := expandOne(tmpl)
		if err != nil {
			return nil, nil, err
		}
		argv = append(argv, arg)
	}
	env := make([]string, 0, len(a.env))
	for _, tmpl := range a.env {
		pair, err := expandOne(tmpl)
		if err != nil {
			return nil, nil, err
		}
		env = append(env, pair)
	}
	return argv, env, nil
}

func formatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}

// parseProgressLine reads one line of ffmpeg -progress output and returns
// the media time processed so far. out_time is used instead of out_time_ms
// because the latter reports microseconds.
func parseProgressLine(line string) (time.Duration, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time" {
		return 0, false
	}
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second))
	if d < 0 {
		return 0, false
	}
	return d, true
}
