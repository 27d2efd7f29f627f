package ipc

import (
	"time"

	"conductor/internal/manifest"
)

// StartRequest asks the daemon to start its background services.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest halts the daemon's background services.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// DependencyStatus describes availability of an external binary.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail"`
	Severity    string `json:"severity"`
}

// CheckResult mirrors one preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// StatusResponse represents combined daemon/pipeline status information.
type StatusResponse struct {
	Running          bool               `json:"running"`
	PID              int                `json:"pid"`
	ManifestDBPath   string             `json:"manifest_db_path"`
	LockPath         string             `json:"lock_path"`
	LogPath          string             `json:"log_path"`
	SessionStats     map[string]int     `json:"session_stats"`
	DeviceMonitoring bool               `json:"device_monitoring"`
	DeviceDetail     string             `json:"device_detail"`
	Dependencies     []DependencyStatus `json:"dependencies"`

	// Display fields below are filled client-side when assembling a status
	// snapshot; the daemon leaves them empty.
	SystemChecks      []StatusLine      `json:"system_checks,omitempty"`
	PathChecks        []StatusLine      `json:"path_checks,omitempty"`
	DependencySummary DependencySummary `json:"dependency_summary,omitempty"`
}

// StatusLine is one labeled severity row in status output.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// DependencySummary aggregates dependency readiness for status output.
type DependencySummary struct {
	Total           int    `json:"total"`
	Available       int    `json:"available"`
	MissingRequired int    `json:"missing_required"`
	MissingOptional int    `json:"missing_optional"`
	Severity        string `json:"severity"`
	Detail          string `json:"detail"`
}

// StageState reports one pipeline stage of a session.
type StageState struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// ArtifactRef points at a file or remote object a stage produced.
type ArtifactRef struct {
	Stage string `json:"stage"`
	Path  string `json:"path"`
}

// SessionSummary is the wire representation of a manifest session.
type SessionSummary struct {
	SessionID       string        `json:"session_id"`
	Label           string        `json:"label,omitempty"`
	Stage           string        `json:"stage"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	CaptureFile     string        `json:"capture_file,omitempty"`
	RenderFile      string        `json:"render_file,omitempty"`
	StartOffsetSec  int64         `json:"start_offset_sec,omitempty"`
	EndOffsetSec    int64         `json:"end_offset_sec,omitempty"`
	Unmatched       bool          `json:"unmatched,omitempty"`
	ReviewReason    string        `json:"review_reason,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ProgressStage   string        `json:"progress_stage,omitempty"`
	ProgressPercent float64       `json:"progress_percent,omitempty"`
	ProgressMessage string        `json:"progress_message,omitempty"`
	Stages          []StageState  `json:"stages,omitempty"`
	Artifacts       []ArtifactRef `json:"artifacts,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// FromSession converts a manifest session into its wire representation.
func FromSession(s *manifest.Session) SessionSummary {
	if s == nil {
		return SessionSummary{}
	}
	summary := SessionSummary{
		SessionID:       s.SessionID,
		Label:           s.Label,
		Stage:           string(s.Stage),
		Status:          string(s.OverallStatus()),
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		CaptureFile:     s.CaptureFile,
		RenderFile:      s.RenderFile,
		StartOffsetSec:  s.RenderStartOffsetSec,
		EndOffsetSec:    s.RenderEndOffsetSec,
		Unmatched:       s.Unmatched,
		ReviewReason:    s.ReviewReason,
		ErrorMessage:    s.ErrorMessage,
		ProgressStage:   s.ProgressStage,
		ProgressPercent: s.ProgressPercent,
		ProgressMessage: s.ProgressMessage,
		UpdatedAt:       s.UpdatedAt,
	}
	for _, stage := range manifest.ExecutableStages() {
		summary.Stages = append(summary.Stages, StageState{
			Name:     string(stage),
			Status:   string(s.StatusFor(stage)),
			Attempts: s.AttemptsFor(stage),
		})
	}
	for _, artifact := range s.Artifacts {
		if artifact.Path == "" {
			continue
		}
		summary.Artifacts = append(summary.Artifacts, ArtifactRef{
			Stage: string(artifact.Stage),
			Path:  artifact.Path,
		})
	}
	return summary
}

// SessionListRequest filters the session listing by overall status.
type SessionListRequest struct {
	Statuses []string `json:"statuses"`
}

// SessionListResponse contains the matching sessions.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionShowRequest fetches a single session by id.
type SessionShowRequest struct {
	SessionID string `json:"session_id"`
}

// SessionShowResponse contains the session details.
type SessionShowResponse struct {
	Session SessionSummary `json:"session"`
}

// SignalCaptureStartedRequest reports that the capture tool began recording.
// A zero At means "now".
type SignalCaptureStartedRequest struct {
	At    time.Time `json:"at"`
	Label string    `json:"label"`
}

// SignalCaptureStartedResponse acknowledges the signal.
type SignalCaptureStartedResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// SignalCaptureStoppedRequest reports that the capture tool stopped
// recording, optionally naming the finished recording file.
type SignalCaptureStoppedRequest struct {
	At   time.Time `json:"at"`
	File string    `json:"file"`
}

// SignalCaptureStoppedResponse acknowledges the signal.
type SignalCaptureStoppedResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// AbandonRequest permanently removes a session from processing.
type AbandonRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// AbandonResponse reports the abandon outcome.
type AbandonResponse struct {
	Abandoned bool   `json:"abandoned"`
	Message   string `json:"message"`
}

// RetryRequest reschedules a failed or parked session.
type RetryRequest struct {
	SessionID string `json:"session_id"`
}

// RetryResponse reports the retry outcome.
type RetryResponse struct {
	Retried bool   `json:"retried"`
	Message string `json:"message"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// PreflightRequest runs the environment checks on demand.
type PreflightRequest struct{}

// PreflightResponse carries check and dependency results.
type PreflightResponse struct {
	Checks       []CheckResult      `json:"checks"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
