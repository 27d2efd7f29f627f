package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCapture()
	c.normalizeWatcher()
	if err := c.normalizeStages(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.CaptureDir, err = expandPath(c.Paths.CaptureDir); err != nil {
		return fmt.Errorf("paths.capture_dir: %w", err)
	}
	if c.Paths.RenderDir, err = expandPath(c.Paths.RenderDir); err != nil {
		return fmt.Errorf("paths.render_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCapture() {
	c.Capture.DeviceVendorID = strings.ToLower(strings.TrimSpace(c.Capture.DeviceVendorID))
	c.Capture.DeviceProductID = strings.ToLower(strings.TrimSpace(c.Capture.DeviceProductID))
	if c.Capture.MaxSessionHours <= 0 {
		c.Capture.MaxSessionHours = defaultMaxSessionHours
	}
}

func (c *Config) normalizeWatcher() {
	c.Watcher.Glob = strings.TrimSpace(c.Watcher.Glob)
	if c.Watcher.Glob == "" {
		c.Watcher.Glob = defaultWatcherGlob
	}
	if c.Watcher.PollIntervalSeconds <= 0 {
		c.Watcher.PollIntervalSeconds = defaultWatcherPollInterval
	}
	if c.Watcher.QuietIntervalSeconds <= 0 {
		c.Watcher.QuietIntervalSeconds = defaultWatcherQuietInterval
	}
	if c.Correlator.MatchToleranceSeconds <= 0 {
		c.Correlator.MatchToleranceSeconds = defaultMatchToleranceSeconds
	}
}

func (c *Config) normalizeStages() error {
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = defaultSyncTimeout
	}
	if c.Sync.LoudnessTargetLUFS == 0 {
		c.Sync.LoudnessTargetLUFS = defaultLoudnessTargetLUFS
	}

	var err error
	if c.Color.LUTPath, err = expandPath(c.Color.LUTPath); err != nil {
		return fmt.Errorf("color.lut_path: %w", err)
	}
	if c.Color.TimeoutSeconds <= 0 {
		c.Color.TimeoutSeconds = defaultColorTimeout
	}

	c.Upload.Adapter = strings.ToLower(strings.TrimSpace(c.Upload.Adapter))
	if c.Upload.Adapter == "" {
		c.Upload.Adapter = defaultUploadAdapter
	}
	c.Upload.Destination = strings.TrimSpace(c.Upload.Destination)
	c.Upload.Layout = strings.ToLower(strings.TrimSpace(c.Upload.Layout))
	if c.Upload.Layout == "" {
		c.Upload.Layout = defaultUploadLayout
	}
	c.Upload.BandwidthLimit = strings.TrimSpace(c.Upload.BandwidthLimit)
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = defaultUploadTimeout
	}

	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	if c.Notify.WebhookURL == "" {
		if value, ok := os.LookupEnv("CONDUCTOR_WEBHOOK_URL"); ok {
			c.Notify.WebhookURL = strings.TrimSpace(value)
		}
	}
	c.Notify.TitleTemplate = strings.TrimSpace(c.Notify.TitleTemplate)
	if c.Notify.TitleTemplate == "" {
		c.Notify.TitleTemplate = defaultNotifyTitleTemplate
	}
	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CONDUCTOR_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		c.Notifications.DedupWindowSeconds = 0
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.WorkerCount <= 0 {
		c.Workflow.WorkerCount = defaultWorkerCount
	}
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = defaultWorkflowPoll
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		c.Workflow.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Workflow.MaxAttempts <= 0 {
		c.Workflow.MaxAttempts = defaultMaxAttempts
	}
	if c.Workflow.RetryInitialSeconds <= 0 {
		c.Workflow.RetryInitialSeconds = defaultRetryInitialSeconds
	}
	if c.Workflow.RetryMultiplier < 1 {
		c.Workflow.RetryMultiplier = defaultRetryMultiplier
	}
	if c.Workflow.RetryMaxSeconds <= 0 {
		c.Workflow.RetryMaxSeconds = defaultRetryMaxSeconds
	}
	if c.Workflow.MinStagingFreeGB < 0 {
		c.Workflow.MinStagingFreeGB = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if len(c.Logging.StageOverrides) > 0 {
		overrides := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, level := range c.Logging.StageOverrides {
			stage = strings.ToLower(strings.TrimSpace(stage))
			level = strings.ToLower(strings.TrimSpace(level))
			if stage == "" || level == "" {
				continue
			}
			overrides[stage] = level
		}
		c.Logging.StageOverrides = overrides
	}
}
