package preflight

import (
	"context"

	"conductor/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Directories the daemon owns or reads from.
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir))
	if floor := cfg.MinStagingFreeBytes(); floor > 0 {
		results = append(results, CheckFreeSpace("Staging free space", cfg.Paths.StagingDir, floor))
	}
	if cfg.Paths.CaptureDir != "" {
		results = append(results, CheckDirectoryAccess("Capture directory", cfg.Paths.CaptureDir))
	}
	if cfg.Paths.RenderDir != "" {
		results = append(results, CheckDirectoryAccess("Render directory", cfg.Paths.RenderDir))
	}
	if cfg.Paths.OutputDir != "" {
		results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	}

	// Stage inputs and endpoints.
	if cfg.Color.Enabled {
		results = append(results, CheckFileReadable("Color LUT", cfg.Color.LUTPath))
	}
	if cfg.Notify.Enabled {
		results = append(results, CheckEndpointURL("Delivery webhook", cfg.Notify.WebhookURL))
	}
	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckEndpointURL("ntfy topic", cfg.Notifications.NtfyTopic))
	}

	return results
}
