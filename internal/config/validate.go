package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWatcher(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	required := map[string]string{
		"paths.data_dir":    c.Paths.DataDir,
		"paths.capture_dir": c.Paths.CaptureDir,
		"paths.render_dir":  c.Paths.RenderDir,
		"paths.staging_dir": c.Paths.StagingDir,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	if c.Paths.CaptureDir == c.Paths.RenderDir {
		return errors.New("paths.capture_dir and paths.render_dir must differ")
	}
	return nil
}

func (c *Config) validateWatcher() error {
	if err := ensurePositiveMap(map[string]int{
		"watcher.poll_interval_seconds":      c.Watcher.PollIntervalSeconds,
		"watcher.quiet_interval_seconds":     c.Watcher.QuietIntervalSeconds,
		"correlator.match_tolerance_seconds": c.Correlator.MatchToleranceSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStages() error {
	if err := ensurePositiveMap(map[string]int{
		"sync.timeout_seconds":   c.Sync.TimeoutSeconds,
		"color.timeout_seconds":  c.Color.TimeoutSeconds,
		"upload.timeout_seconds": c.Upload.TimeoutSeconds,
		"notify.timeout_seconds": c.Notify.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Sync.LoudnessTargetLUFS > 0 {
		return errors.New("sync.loudness_target_lufs must be negative (LUFS scale)")
	}
	if c.Color.Enabled && strings.TrimSpace(c.Color.LUTPath) == "" {
		return errors.New("color.lut_path must be set when color.enabled is true")
	}
	switch c.Upload.Adapter {
	case "rclone":
		if strings.TrimSpace(c.Upload.Destination) == "" {
			defaultPath, err := DefaultConfigPath()
			if err != nil {
				defaultPath = "~/.config/conductor/config.toml"
			}
			return fmt.Errorf("upload.destination is required. Edit %s (create with 'conductor config init')", defaultPath)
		}
	case "command":
		if len(c.Upload.Command) == 0 {
			return errors.New("upload.command must be set when upload.adapter is command")
		}
	default:
		return fmt.Errorf("upload.adapter %q is not registered (expected rclone or command)", c.Upload.Adapter)
	}
	switch c.Upload.Layout {
	case "date", "flat":
	default:
		return fmt.Errorf("upload.layout %q is not supported (expected date or flat)", c.Upload.Layout)
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.WebhookURL) == "" {
		return errors.New("notify.webhook_url must be set when notify.enabled is true (or set CONDUCTOR_WEBHOOK_URL)")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":          c.Workflow.WorkerCount,
		"workflow.poll_interval":         c.Workflow.PollInterval,
		"workflow.max_attempts":          c.Workflow.MaxAttempts,
		"workflow.retry_initial_seconds": c.Workflow.RetryInitialSeconds,
		"workflow.retry_max_seconds":     c.Workflow.RetryMaxSeconds,
		"capture.max_session_hours":      c.Capture.MaxSessionHours,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.RetryMultiplier < 1 {
		return errors.New("workflow.retry_multiplier must be at least 1")
	}
	if c.Workflow.RetryMaxSeconds < c.Workflow.RetryInitialSeconds {
		return errors.New("workflow.retry_max_seconds must be at least workflow.retry_initial_seconds")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		return errors.New("notifications.dedup_window_seconds must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
