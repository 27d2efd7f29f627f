package config

const (
	defaultDataDir    = "~/.local/share/conductor"
	defaultCaptureDir = "~/captures"
	defaultRenderDir  = "~/renders"
	defaultStagingDir = "~/.local/share/conductor/staging"
	defaultOutputDir  = "~/clips"
	defaultLogDir     = "~/.local/share/conductor/logs"

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 60

	defaultMaxSessionHours = 12

	defaultWatcherGlob          = "*.mp4"
	defaultWatcherPollInterval  = 2
	defaultWatcherQuietInterval = 2

	defaultMatchToleranceSeconds = 90

	defaultLoudnessTargetLUFS = -16.0
	defaultSyncTimeout        = 600

	defaultColorTimeout = 1800

	defaultUploadAdapter = "rclone"
	defaultUploadLayout  = "date"
	defaultUploadTimeout = 3600

	defaultNotifyTimeout       = 30
	defaultNotifyTitleTemplate = "{label}"

	defaultNotifyRequestTimeout     = 10
	defaultNotifyDedupWindowSeconds = 600

	defaultWorkerCount         = 2
	defaultWorkflowPoll        = 5
	defaultHeartbeatInterval   = 15
	defaultHeartbeatTimeout    = 120
	defaultMaxAttempts         = 3
	defaultRetryInitialSeconds = 2
	defaultRetryMultiplier     = 2.0
	defaultRetryMaxSeconds     = 60
	defaultMinStagingFreeGB    = 5.0
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			CaptureDir: defaultCaptureDir,
			RenderDir:  defaultRenderDir,
			StagingDir: defaultStagingDir,
			OutputDir:  defaultOutputDir,
			LogDir:     defaultLogDir,
		},
		Capture: Capture{
			MaxSessionHours: defaultMaxSessionHours,
		},
		Watcher: Watcher{
			Glob:                 defaultWatcherGlob,
			PollIntervalSeconds:  defaultWatcherPollInterval,
			QuietIntervalSeconds: defaultWatcherQuietInterval,
		},
		Correlator: Correlator{
			MatchToleranceSeconds: defaultMatchToleranceSeconds,
		},
		Sync: Sync{
			NormalizeAudio:     true,
			LoudnessTargetLUFS: defaultLoudnessTargetLUFS,
			TimeoutSeconds:     defaultSyncTimeout,
		},
		Color: Color{
			TimeoutSeconds: defaultColorTimeout,
		},
		Upload: Upload{
			Adapter:        defaultUploadAdapter,
			Layout:         defaultUploadLayout,
			TimeoutSeconds: defaultUploadTimeout,
		},
		Notify: Notify{
			TitleTemplate:  defaultNotifyTitleTemplate,
			TimeoutSeconds: defaultNotifyTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:     defaultNotifyRequestTimeout,
			SessionComplete:    true,
			StageFailure:       true,
			OrphanSessions:     true,
			Errors:             true,
			DedupWindowSeconds: defaultNotifyDedupWindowSeconds,
		},
		Workflow: Workflow{
			WorkerCount:         defaultWorkerCount,
			PollInterval:        defaultWorkflowPoll,
			HeartbeatInterval:   defaultHeartbeatInterval,
			HeartbeatTimeout:    defaultHeartbeatTimeout,
			MaxAttempts:         defaultMaxAttempts,
			RetryInitialSeconds: defaultRetryInitialSeconds,
			RetryMultiplier:     defaultRetryMultiplier,
			RetryMaxSeconds:     defaultRetryMaxSeconds,
			MinStagingFreeGB:    defaultMinStagingFreeGB,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
