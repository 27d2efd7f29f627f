package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/correlator"
	"conductor/internal/deps"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/notifications"
	"conductor/internal/pipeline"
	"conductor/internal/preflight"
	"conductor/internal/watcher"
)

const version = "0.1.0"

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *manifest.Store
	eventBus   *bus.Bus
	pipeline   *pipeline.Controller
	correlator *correlator.Correlator
	watcher    *watcher.Watcher
	devices    *deviceMonitor
	bridge     *notifyBridge
	notifier   notifications.Service
	logPath    string

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool
	PID              int
	SessionStats     map[manifest.SessionStatus]int
	ManifestDBPath   string
	LockFilePath     string
	DeviceMonitoring bool
	DeviceDetail     string
	Dependencies     []deps.Status
}

// New constructs a daemon with initialized dependencies. The pipeline
// controller is built by the caller so adapter wiring stays out of this
// package; the correlator, render watcher, device monitor, and
// notification bridge are owned here.
func New(cfg *config.Config, store *manifest.Store, eventBus *bus.Bus, controller *pipeline.Controller, notifier notifications.Service, logger *slog.Logger, logPath string) (*Daemon, error) {
	if cfg == nil || store == nil || eventBus == nil || controller == nil {
		return nil, errors.New("daemon requires config, store, event bus, and pipeline controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		eventBus:   eventBus,
		pipeline:   controller,
		correlator: correlator.New(cfg, store, eventBus, logger),
		watcher:    watcher.New(cfg, eventBus, logger),
		devices:    newDeviceMonitor(cfg.Capture.DeviceVendorID, cfg.Capture.DeviceProductID, notifier, logger),
		bridge:     newNotifyBridge(eventBus, store, notifier, logger),
		notifier:   notifier,
		logPath:    logPath,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start launches the processing components and acquires the daemon lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conductor daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.logPreflight(d.ctx)

	if err := d.correlator.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start correlator: %w", err)
	}
	if err := d.pipeline.Start(d.ctx); err != nil {
		d.correlator.Stop()
		d.abortStart()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := d.watcher.Start(d.ctx); err != nil {
		d.pipeline.Stop()
		d.correlator.Stop()
		d.abortStart()
		return fmt.Errorf("start render watcher: %w", err)
	}
	d.bridge.Start(d.ctx)
	if err := d.devices.Start(d.ctx); err != nil {
		d.bridge.Stop()
		d.watcher.Stop()
		d.pipeline.Stop()
		d.correlator.Stop()
		d.abortStart()
		return fmt.Errorf("start device monitor: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("conductor daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_start"))
	d.announce(notifications.EventDaemonStarted, notifications.Payload{"version": version})
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock. The
// stop notification is sent before the shared context is canceled so it
// can still reach the push service.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	notifyCtx, cancelNotify := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.notifier.Publish(notifyCtx, notifications.EventDaemonStopped, nil); err != nil {
		d.logger.Debug("daemon stop notification failed", logging.Error(err))
	}
	cancelNotify()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.devices.Stop()
	d.bridge.Stop()
	d.watcher.Stop()
	d.pipeline.Stop()
	d.correlator.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("conductor daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// announce publishes a notification without blocking the caller.
func (d *Daemon) announce(event notifications.Event, payload notifications.Payload) {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := d.notifier.Publish(ctx, event, payload); err != nil {
			d.logger.Debug("notification send failed",
				logging.String("notification_event", string(event)),
				logging.Error(err))
		}
	}()
}

// logPreflight records environment problems at startup without blocking it.
func (d *Daemon) logPreflight(ctx context.Context) {
	for _, result := range preflight.RunAll(ctx, d.cfg) {
		if result.Passed {
			continue
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldImpact, "sessions may fail until this is fixed"))
	}
}

// ListSessions returns sessions filtered by optional statuses.
func (d *Daemon) ListSessions(ctx context.Context, statuses []manifest.SessionStatus) ([]*manifest.Session, error) {
	if d.store == nil {
		return nil, errors.New("manifest store unavailable")
	}
	return d.store.List(ctx, statuses...)
}

// GetSession loads one session by ID.
func (d *Daemon) GetSession(ctx context.Context, sessionID string) (*manifest.Session, error) {
	if d.store == nil {
		return nil, errors.New("manifest store unavailable")
	}
	return d.store.Load(ctx, sessionID)
}

// SignalCaptureStarted feeds an operator start signal into the correlator.
// A zero timestamp means now.
func (d *Daemon) SignalCaptureStarted(at time.Time, label string) error {
	if !d.running.Load() {
		return errors.New("daemon is not running")
	}
	evt := bus.NewEvent(bus.TypeRawCaptureStarted, "", bus.CaptureSignal{At: at, Label: strings.TrimSpace(label)})
	d.eventBus.Publish(evt)
	return nil
}

// SignalCaptureStopped feeds an operator stop signal into the correlator.
func (d *Daemon) SignalCaptureStopped(at time.Time, file string) error {
	if !d.running.Load() {
		return errors.New("daemon is not running")
	}
	evt := bus.NewEvent(bus.TypeRawCaptureStopped, "", bus.CaptureSignal{At: at, File: strings.TrimSpace(file)})
	d.eventBus.Publish(evt)
	return nil
}

// Abandon marks a session abandoned so the pipeline stops scheduling it.
func (d *Daemon) Abandon(ctx context.Context, sessionID, reason string) error {
	return d.pipeline.Abandon(ctx, sessionID, reason)
}

// Retry reschedules a failed session for another attempt.
func (d *Daemon) Retry(ctx context.Context, sessionID string) error {
	return d.pipeline.Retry(ctx, sessionID)
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg == nil {
		return false, "configuration unavailable", errors.New("configuration unavailable")
	}
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Preflight runs environment checks and dependency discovery on demand.
func (d *Daemon) Preflight(ctx context.Context) ([]preflight.Result, []deps.Status) {
	return preflight.RunAll(ctx, d.cfg), preflight.CheckSystemDeps(d.cfg)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Warn("session stats unavailable", logging.Error(err))
		stats = map[manifest.SessionStatus]int{}
	}
	probe := preflight.ProbeCaptureDevice(d.cfg.Capture.DeviceVendorID, d.cfg.Capture.DeviceProductID)
	return Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		SessionStats:     stats,
		ManifestDBPath:   d.cfg.ManifestDBPath(),
		LockFilePath:     d.lockPath,
		DeviceMonitoring: d.devices.Running(),
		DeviceDetail:     probe.Detail(),
		Dependencies:     preflight.CheckSystemDeps(d.cfg),
	}
}
