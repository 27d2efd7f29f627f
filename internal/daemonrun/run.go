// Package daemonrun owns the conductord process lifecycle: logging setup,
// pid and log pointer files, component construction, and the IPC server.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"conductor/internal/adapter"
	"conductor/internal/adapters/command"
	"conductor/internal/adapters/rclone"
	"conductor/internal/adapters/webhook"
	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/ipc"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/notifications"
	"conductor/internal/pipeline"
	"conductor/internal/runner"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the conductor daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("conductord-%s.log", runID))
	eventsPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("conductord-%s.events", runID))

	logHub := logging.NewStreamHub(4096)
	eventArchive, archiveErr := logging.NewEventArchive(eventsPath)
	if archiveErr != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize log archive: %v\n", archiveErr)
	} else if eventArchive != nil {
		logHub.AddSink(eventArchive)
	}
	defer eventArchive.Close()

	loggerOpts := logging.Options{
		Level:            opts.LogLevel,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	}
	logger, err := logging.New(loggerOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = slog.New(logging.NewStreamHandler(logger.Handler(), logHub))

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.LogDir(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conductord.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.LogDir(), Pattern: "conductord-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: cfg.LogDir(), Pattern: "conductord-*.events", Exclude: []string{eventsPath}},
		logging.RetentionTarget{Dir: cfg.SessionLogDir(), Pattern: "*.log"},
	)
	pidPath := filepath.Join(cfg.LogDir(), "conductord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := manifest.Open(cfg)
	if err != nil {
		logger.Error("open manifest store", logging.Error(err))
		return err
	}
	defer store.Close()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	notifier := notifications.NewService(cfg)
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure stage adapters: %w", err)
	}
	stageRunner := runner.New(cfg, store, eventBus, registry, logger)
	controller := pipeline.New(cfg, store, eventBus, stageRunner, logger)

	d, err := daemon.New(cfg, store, eventBus, controller, notifier, logger, logPath)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and manifest database access"),
			logging.String(logging.FieldImpact, "daemon may not process sessions"),
		)
	}

	<-signalCtx.Done()
	logger.Info("conductor daemon shutting down")
	return nil
}

// buildRegistry assembles the stage adapters the configuration calls for.
// Disabled stages register nothing; the pipeline records them as skipped.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()

	syncAdapter, err := command.New(string(manifest.StageSyncingAudio),
		command.SyncArgs(cfg.Sync.NormalizeAudio, cfg.Sync.LoudnessTargetLUFS), logger)
	if err != nil {
		return nil, fmt.Errorf("sync adapter: %w", err)
	}
	if err := registry.Register(syncAdapter); err != nil {
		return nil, err
	}

	if cfg.Color.Enabled {
		colorAdapter, err := command.New(string(manifest.StageColorPass),
			command.ColorArgs(cfg.Color.LUTPath), logger)
		if err != nil {
			return nil, fmt.Errorf("color adapter: %w", err)
		}
		if err := registry.Register(colorAdapter); err != nil {
			return nil, err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Upload.Adapter)) {
	case "", "rclone":
		uploadAdapter, err := rclone.New(cfg.Upload, logger)
		if err != nil {
			return nil, fmt.Errorf("rclone adapter: %w", err)
		}
		if err := registry.Register(uploadAdapter); err != nil {
			return nil, err
		}
	case "command":
		uploadAdapter, err := command.New(string(manifest.StageUploading), cfg.Upload.Command, logger)
		if err != nil {
			return nil, fmt.Errorf("upload command adapter: %w", err)
		}
		if err := registry.Register(uploadAdapter); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("upload adapter: unsupported value %q", cfg.Upload.Adapter)
	}

	if cfg.Notify.Enabled {
		notifyAdapter, err := webhook.New(cfg.Notify, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook adapter: %w", err)
		}
		if err := registry.Register(notifyAdapter); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "conductord.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	ffmpeg := cfg.FFmpegBinary()
	ffprobe := cfg.FFprobeBinary()
	rcloneBin := cfg.RcloneBinary()
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("ffmpeg_available", binaryAvailable(ffmpeg)),
		logging.String("ffmpeg_binary", ffmpeg),
		logging.Bool("ffprobe_available", binaryAvailable(ffprobe)),
		logging.String("ffprobe_binary", ffprobe),
		logging.Bool("rclone_available", binaryAvailable(rcloneBin)),
		logging.String("rclone_binary", rcloneBin),
		logging.String("upload_adapter", cfg.Upload.Adapter),
		logging.Bool("color_pass_enabled", cfg.Color.Enabled),
		logging.Bool("webhook_configured", cfg.Notify.Enabled && strings.TrimSpace(cfg.Notify.WebhookURL) != ""),
		logging.Bool("ntfy_topic_present", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
