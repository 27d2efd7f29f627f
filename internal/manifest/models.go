package manifest

import (
	"strings"
	"time"
)

// Stage identifies one phase of the pipeline. Stages advance forward through
// the fixed order and never regress.
type Stage string

const (
	StageCapturing      Stage = "capturing"
	StageAwaitingRender Stage = "awaiting_render"
	StageSyncingAudio   Stage = "syncing_audio"
	StageColorPass      Stage = "color_pass"
	StageUploading      Stage = "uploading"
	StageNotifying      Stage = "notifying"
	StageComplete       Stage = "complete"
)

var stageOrder = []Stage{
	StageCapturing,
	StageAwaitingRender,
	StageSyncingAudio,
	StageColorPass,
	StageUploading,
	StageNotifying,
	StageComplete,
}

var stageIndex = func() map[Stage]int {
	idx := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		idx[stage] = i
	}
	return idx
}()

// StageOrder returns the ordered list of stages, terminal marker included.
func StageOrder() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ExecutableStages returns the stages that track a status, i.e. everything
// before the terminal complete marker.
func ExecutableStages() []Stage {
	return StageOrder()[:len(stageOrder)-1]
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageIndex[normalized]
	return normalized, ok
}

// StageIndex returns the position of stage in the fixed order, or -1 when the
// stage is unknown.
func StageIndex(stage Stage) int {
	if idx, ok := stageIndex[stage]; ok {
		return idx
	}
	return -1
}

// NextStage returns the stage that follows the given one. The terminal stage
// has no successor.
func NextStage(stage Stage) (Stage, bool) {
	idx, ok := stageIndex[stage]
	if !ok || idx+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[idx+1], true
}

// StageStatus is the lifecycle of a single stage within one session.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusAbandoned StageStatus = "abandoned"
	StatusSkipped   StageStatus = "skipped"
)

// statusSeverity orders statuses for the worst-case overall derivation.
var statusSeverity = map[StageStatus]int{
	StatusSucceeded: 0,
	StatusSkipped:   0,
	StatusPending:   1,
	StatusRunning:   2,
	StatusFailed:    3,
	StatusAbandoned: 4,
}

// SessionStatus is the overall status derived from all stage statuses.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
	SessionAbandoned SessionStatus = "abandoned"
)

var sessionStatusSet = map[SessionStatus]struct{}{
	SessionPending:   {},
	SessionRunning:   {},
	SessionSucceeded: {},
	SessionFailed:    {},
	SessionAbandoned: {},
}

// ParseSessionStatus converts a string into a known SessionStatus.
func ParseSessionStatus(value string) (SessionStatus, bool) {
	normalized := SessionStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := sessionStatusSet[normalized]
	return normalized, ok
}

// Artifact records one file a stage produced. The list on a session is
// append-only; later entries for the same stage supersede earlier ones.
type Artifact struct {
	Stage     Stage     `json:"stage"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one capture-to-publish unit of work persisted in SQLite.
type Session struct {
	ID        int64
	SessionID string
	Label     string
	Stage     Stage

	StartedAt time.Time
	EndedAt   *time.Time

	CaptureFile          string
	RenderFile           string
	RenderEmbeddedStart  *time.Time
	RenderStartOffsetSec int64
	RenderEndOffsetSec   int64
	Unmatched            bool
	ReviewReason         string

	StageStatuses map[Stage]StageStatus
	Attempts      map[Stage]int
	Artifacts     []Artifact

	ErrorMessage    string
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	MetadataJSON    string

	LastHeartbeat *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSession builds an in-memory session opened at the given capture start.
// The capturing stage begins running; every later stage is pending.
func NewSession(sessionID string, startedAt time.Time) *Session {
	statuses := make(map[Stage]StageStatus, len(stageOrder)-1)
	for _, stage := range ExecutableStages() {
		statuses[stage] = StatusPending
	}
	statuses[StageCapturing] = StatusRunning
	return &Session{
		SessionID:     sessionID,
		Stage:         StageCapturing,
		StartedAt:     startedAt.UTC(),
		StageStatuses: statuses,
		Attempts:      make(map[Stage]int),
	}
}

// StatusFor returns the recorded status for a stage, defaulting to pending.
func (s *Session) StatusFor(stage Stage) StageStatus {
	if s.StageStatuses == nil {
		return StatusPending
	}
	if status, ok := s.StageStatuses[stage]; ok {
		return status
	}
	return StatusPending
}

// SetStatus records a stage status, allocating the map when needed.
func (s *Session) SetStatus(stage Stage, status StageStatus) {
	if s.StageStatuses == nil {
		s.StageStatuses = make(map[Stage]StageStatus)
	}
	s.StageStatuses[stage] = status
}

// AttemptsFor returns the attempt count recorded for a stage.
func (s *Session) AttemptsFor(stage Stage) int {
	if s.Attempts == nil {
		return 0
	}
	return s.Attempts[stage]
}

// IncrementAttempts bumps and returns the attempt counter for a stage.
func (s *Session) IncrementAttempts(stage Stage) int {
	if s.Attempts == nil {
		s.Attempts = make(map[Stage]int)
	}
	s.Attempts[stage]++
	return s.Attempts[stage]
}

// AppendArtifact records a produced file for a stage. Entries are never
// replaced or removed.
func (s *Session) AppendArtifact(stage Stage, path string) {
	s.Artifacts = append(s.Artifacts, Artifact{
		Stage:     stage,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	})
}

// ArtifactFor returns the most recent artifact path recorded for a stage.
func (s *Session) ArtifactFor(stage Stage) (string, bool) {
	for i := len(s.Artifacts) - 1; i >= 0; i-- {
		if s.Artifacts[i].Stage == stage {
			return s.Artifacts[i].Path, true
		}
	}
	return "", false
}

// Advance moves the session to the next stage in the fixed order. Advancing a
// terminal session is a no-op returning false.
func (s *Session) Advance() (Stage, bool) {
	next, ok := NextStage(s.Stage)
	if !ok {
		return s.Stage, false
	}
	s.Stage = next
	return next, true
}

// OverallStatus derives the session status as the worst case across all stage
// statuses.
func (s *Session) OverallStatus() SessionStatus {
	worst := StatusSucceeded
	worstRank := -1
	for _, stage := range ExecutableStages() {
		status := s.StatusFor(stage)
		if rank := statusSeverity[status]; rank > worstRank {
			worstRank = rank
			worst = status
		}
	}
	switch worst {
	case StatusAbandoned:
		return SessionAbandoned
	case StatusFailed:
		return SessionFailed
	case StatusRunning:
		return SessionRunning
	case StatusPending:
		return SessionPending
	default:
		return SessionSucceeded
	}
}

// IsTerminal reports whether the session has finished for good: every stage
// resolved successfully, or the session was abandoned. Failed sessions are
// not terminal; they stay visible until an operator retries or archives them.
func (s *Session) IsTerminal() bool {
	switch s.OverallStatus() {
	case SessionSucceeded:
		return s.Stage == StageComplete
	case SessionAbandoned:
		return true
	default:
		return false
	}
}

// SetFailed freezes the session at the given stage with an error message.
func (s *Session) SetFailed(stage Stage, message string) {
	s.SetStatus(stage, StatusFailed)
	s.ErrorMessage = message
	s.ProgressPercent = 0
	s.ProgressMessage = message
	s.LastHeartbeat = nil
}

// SetAbandoned marks every unresolved stage abandoned and records the reason.
// Succeeded and skipped stages keep their status.
func (s *Session) SetAbandoned(reason string) {
	for _, stage := range ExecutableStages() {
		switch s.StatusFor(stage) {
		case StatusSucceeded, StatusSkipped:
		default:
			s.SetStatus(stage, StatusAbandoned)
		}
	}
	s.ReviewReason = reason
	s.ProgressMessage = reason
	s.LastHeartbeat = nil
}

// ResetStageForRetry returns a failed stage to pending and clears its attempt
// counter, the only sanctioned backward transition. Returns false when the
// stage was not failed.
func (s *Session) ResetStageForRetry(stage Stage) bool {
	if s.StatusFor(stage) != StatusFailed {
		return false
	}
	s.SetStatus(stage, StatusPending)
	if s.Attempts != nil {
		delete(s.Attempts, stage)
	}
	s.ErrorMessage = ""
	s.ProgressStage = ""
	s.ProgressPercent = 0
	s.ProgressMessage = ""
	return true
}

// ReleasePark clears the unmatched flag so a parked orphan session may enter
// the pipeline. Returns false when the session was not parked.
func (s *Session) ReleasePark() bool {
	if !s.Unmatched {
		return false
	}
	s.Unmatched = false
	s.ReviewReason = ""
	return true
}

// SetProgress updates the display progress fields together.
func (s *Session) SetProgress(stage, message string, percent float64) {
	s.ProgressStage = stage
	s.ProgressMessage = message
	s.ProgressPercent = percent
}
