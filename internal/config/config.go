package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	CaptureDir string `toml:"capture_dir"`
	RenderDir  string `toml:"render_dir"`
	StagingDir string `toml:"staging_dir"`
	OutputDir  string `toml:"output_dir"`
	LogDir     string `toml:"log_dir"`
}

// Capture contains settings for capture sessions and the capture-card monitor.
type Capture struct {
	DeviceVendorID  string `toml:"device_vendor_id"`
	DeviceProductID string `toml:"device_product_id"`
	MaxSessionHours int    `toml:"max_session_hours"`
}

// Watcher contains settings for the render directory poller.
type Watcher struct {
	Glob                 string `toml:"glob"`
	PollIntervalSeconds  int    `toml:"poll_interval_seconds"`
	QuietIntervalSeconds int    `toml:"quiet_interval_seconds"`
}

// Correlator contains settings for matching rendered clips to capture sessions.
type Correlator struct {
	MatchToleranceSeconds int `toml:"match_tolerance_seconds"`
}

// Sync contains settings for the audio alignment stage.
type Sync struct {
	NormalizeAudio     bool    `toml:"normalize_audio"`
	LoudnessTargetLUFS float64 `toml:"loudness_target_lufs"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
}

// Color contains settings for the optional color grading stage.
type Color struct {
	Enabled        bool   `toml:"enabled"`
	LUTPath        string `toml:"lut_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Upload contains settings for delivering finished clips.
type Upload struct {
	Adapter        string   `toml:"adapter"`
	Destination    string   `toml:"destination"`
	Layout         string   `toml:"layout"`
	BandwidthLimit string   `toml:"bandwidth_limit"`
	Command        []string `toml:"command"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Notify contains settings for the downstream notification stage.
type Notify struct {
	Enabled        bool   `toml:"enabled"`
	WebhookURL     string `toml:"webhook_url"`
	TitleTemplate  string `toml:"title_template"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains configuration for ntfy operator push notifications.
type Notifications struct {
	NtfyTopic          string `toml:"ntfy_topic"`
	RequestTimeout     int    `toml:"request_timeout"`
	SessionComplete    bool   `toml:"session_complete"`
	StageFailure       bool   `toml:"stage_failure"`
	OrphanSessions     bool   `toml:"orphan_sessions"`
	Errors             bool   `toml:"errors"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
}

// Workflow contains daemon scheduling, retry, and heartbeat settings.
type Workflow struct {
	WorkerCount         int     `toml:"worker_count"`
	PollInterval        int     `toml:"poll_interval"`
	HeartbeatInterval   int     `toml:"heartbeat_interval"`
	HeartbeatTimeout    int     `toml:"heartbeat_timeout"`
	MaxAttempts         int     `toml:"max_attempts"`
	RetryInitialSeconds int     `toml:"retry_initial_seconds"`
	RetryMultiplier     float64 `toml:"retry_multiplier"`
	RetryMaxSeconds     int     `toml:"retry_max_seconds"`
	MinStagingFreeGB    float64 `toml:"min_staging_free_gb"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for Conductor.
//
// Configuration sections by subsystem:
//   - Paths: data, capture, render, staging, output, and log directories
//   - Capture: capture-card identity and session guard rails
//   - Watcher: render directory polling cadence and stability window
//   - Correlator: clip-to-session matching tolerance
//   - Sync: audio alignment stage knobs
//   - Color: optional color grading stage
//   - Upload: delivery adapter and destination
//   - Notify: downstream webhook notification stage
//   - Notifications: ntfy operator push notification settings
//   - Workflow: worker pool, retry curve, and heartbeat timing
//   - Logging: log format, level, retention, and per-stage level overrides
type Config struct {
	Paths         Paths         `toml:"paths"`
	Capture       Capture       `toml:"capture"`
	Watcher       Watcher       `toml:"watcher"`
	Correlator    Correlator    `toml:"correlator"`
	Sync          Sync          `toml:"sync"`
	Color         Color         `toml:"color"`
	Upload        Upload        `toml:"upload"`
	Notify        Notify        `toml:"notify"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conductor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/conductor/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conductor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// OutputDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir, c.SessionLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.OutputDir) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Paths.OutputDir, 0o755)
	}
	return nil
}

// ManifestDBPath returns the SQLite database location for session manifests.
func (c *Config) ManifestDBPath() string {
	return filepath.Join(c.Paths.DataDir, "manifests.db")
}

// SocketPath returns the unix socket the daemon listens on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "conductord.sock")
}

// ManifestExportDir returns the directory terminal session manifests are
// exported to for archival pickup.
func (c *Config) ManifestExportDir() string {
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.OutputDir, "manifests")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "conductord.lock")
}

// LogDir returns the expanded log directory.
func (c *Config) LogDir() string {
	return c.Paths.LogDir
}

// SessionLogDir returns the directory holding per-session log journals.
func (c *Config) SessionLogDir() string {
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.LogDir, "sessions")
}

// FFmpegBinary returns the ffmpeg executable name used by media stages.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// RcloneBinary returns the rclone executable name used by the upload adapter.
func (c *Config) RcloneBinary() string {
	return "rclone"
}

// MinStagingFreeBytes converts the staging free-space floor to bytes.
// Zero disables the check.
func (c *Config) MinStagingFreeBytes() uint64 {
	if c.Workflow.MinStagingFreeGB <= 0 {
		return 0
	}
	return uint64(c.Workflow.MinStagingFreeGB * (1 << 30))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
