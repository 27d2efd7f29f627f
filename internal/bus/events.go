package bus

import "time"

// Event types published by the pipeline. Raw signals carry no session ID; the
// correlator attaches one and re-emits the correlated form.
const (
	TypeRawCaptureStarted = "RAW_CAPTURE_STARTED"
	TypeRawCaptureStopped = "RAW_CAPTURE_STOPPED"
	TypeRenderFileStable  = "RENDER_FILE_STABLE"

	TypeCaptureStarted       = "CAPTURE_STARTED"
	TypeCaptureStopped       = "CAPTURE_STOPPED"
	TypeReplayRenderDetected = "REPLAY_RENDER_DETECTED"
	TypeStageSucceeded       = "STAGE_SUCCEEDED"
	TypeStageFailed          = "STAGE_FAILED"
	TypeStageProgress        = "STAGE_PROGRESS"
	TypeSessionAbandoned     = "SESSION_ABANDONED"
	TypeSessionCompleted     = "SESSION_COMPLETED"
	TypeSessionRetried       = "SESSION_RETRIED"
	TypeOrphanParked         = "ORPHAN_PARKED"
)

// Event classes. Progress events may be dropped under backlog pressure;
// lifecycle events never are.
const (
	ClassLifecycle = "lifecycle"
	ClassProgress  = "progress"
)

var progressTypes = map[string]struct{}{
	TypeStageProgress: {},
}

// ClassOf returns the delivery class for an event type. Unknown types are
// lifecycle: losing a completion is never acceptable, losing a progress
// sample is.
func ClassOf(eventType string) string {
	if _, ok := progressTypes[eventType]; ok {
		return ClassProgress
	}
	return ClassLifecycle
}

// Event is one immutable bus record. SessionID is empty on raw signals.
type Event struct {
	Type      string
	SessionID string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType, sessionID string, payload any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// CaptureSignal is the payload of raw capture start/stop signals. File is
// the capture tool's recording path when the tool reports one.
type CaptureSignal struct {
	At    time.Time
	Label string
	File  string
}

// RenderFileSignal is the payload of a raw stable-file detection.
type RenderFileSignal struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// RenderDetected is the payload of a correlated render detection.
type RenderDetected struct {
	Path           string
	EmbeddedStart  time.Time
	StartOffsetSec int64
	EndOffsetSec   int64
}

// StageOutcome is the payload of stage success and failure events.
type StageOutcome struct {
	Stage    string
	Artifact string
	Error    string
	Attempts int
}

// StageProgress is the payload of progress samples emitted mid-stage.
type StageProgress struct {
	Stage   string
	Percent float64
	Message string
}

// SessionNote is the payload of session-level lifecycle events such as
// abandons and completions.
type SessionNote struct {
	Reason string
}

// SessionCompleted is the payload of the terminal completion event. ClipURL
// is the uploaded clip's remote destination when the upload stage produced
// one.
type SessionCompleted struct {
	ExportPath string
	ClipURL    string
	// LocalPath is where the finished clip landed in the output
	// directory, when local delivery ran during this finalize.
	LocalPath string
}
