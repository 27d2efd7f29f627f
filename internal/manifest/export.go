package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/internal/fileutil"
)

// ExportSchemaVersion is the current schema of exported manifest documents.
// Version 1 lacked the per-stage records and clip range; readers normalize
// those on load.
const ExportSchemaVersion = 2

// Doc is the standalone JSON projection of a session, written for archival
// tooling once a session reaches a terminal status. Unknown fields from newer
// writers are ignored on read, so fields may be added without breaking older
// readers.
type Doc struct {
	SchemaVersion int                   `json:"version"`
	SessionID     string                `json:"session_id"`
	Label         string                `json:"label,omitempty"`
	Stage         Stage                 `json:"stage"`
	Status        SessionStatus         `json:"status"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
	CaptureFile   string                `json:"capture_file,omitempty"`
	RenderFile    string                `json:"render_file,omitempty"`
	Clip          *ClipRange            `json:"clip,omitempty"`
	Unmatched     bool                  `json:"unmatched,omitempty"`
	ReviewReason  string                `json:"review_reason,omitempty"`
	Stages        map[Stage]StageRecord `json:"stages"`
	Artifacts     []Artifact            `json:"artifacts"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	ExportedAt    time.Time             `json:"exported_at"`
}

// ClipRange carries the render file's embedded timing.
type ClipRange struct {
	EmbeddedStart  *time.Time `json:"embedded_start,omitempty"`
	StartOffsetSec int64      `json:"start_offset_sec"`
	EndOffsetSec   int64      `json:"end_offset_sec"`
}

// StageRecord is the exported view of one stage's outcome.
type StageRecord struct {
	Status   StageStatus `json:"status"`
	Attempts int         `json:"attempts,omitempty"`
}

// BuildDoc projects a session into its export document.
func BuildDoc(session *Session) Doc {
	doc := Doc{
		SchemaVersion: ExportSchemaVersion,
		SessionID:     session.SessionID,
		Label:         session.Label,
		Stage:         session.Stage,
		Status:        session.OverallStatus(),
		StartedAt:     session.StartedAt.UTC(),
		EndedAt:       session.EndedAt,
		CaptureFile:   session.CaptureFile,
		RenderFile:    session.RenderFile,
		Unmatched:     session.Unmatched,
		ReviewReason:  session.ReviewReason,
		ErrorMessage:  session.ErrorMessage,
		Stages:        make(map[Stage]StageRecord, len(stageOrder)-1),
		Artifacts:     append([]Artifact(nil), session.Artifacts...),
		ExportedAt:    time.Now().UTC(),
	}
	if session.RenderFile != "" {
		doc.Clip = &ClipRange{
			EmbeddedStart:  session.RenderEmbeddedStart,
			StartOffsetSec: session.RenderStartOffsetSec,
			EndOffsetSec:   session.RenderEndOffsetSec,
		}
	}
	for _, stage := range ExecutableStages() {
		doc.Stages[stage] = StageRecord{
			Status:   session.StatusFor(stage),
			Attempts: session.AttemptsFor(stage),
		}
	}
	if doc.Artifacts == nil {
		doc.Artifacts = []Artifact{}
	}
	return doc
}

// ExportPath returns where Export writes the given session's document.
func ExportPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// Export writes the session's manifest document to dir/<sessionID>.json via a
// temp file and rename, and returns the written path.
func Export(session *Session, dir string) (string, error) {
	if session == nil {
		return "", errors.New("session is nil")
	}
	doc := BuildDoc(session)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest doc: %w", err)
	}
	path := ExportPath(dir, session.SessionID)
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest doc: %w", err)
	}
	return path, nil
}

// ReadDoc loads an exported manifest document, accepting any schema version
// from 1 upward and normalizing fields newer versions added.
func ReadDoc(path string) (Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Doc{}, fmt.Errorf("read manifest doc: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Doc{}, fmt.Errorf("decode manifest doc: %w", err)
	}
	if doc.SchemaVersion < 1 {
		return Doc{}, fmt.Errorf("manifest doc %s: missing schema version", path)
	}
	if doc.SessionID == "" {
		return Doc{}, fmt.Errorf("manifest doc %s: missing session id", path)
	}
	if doc.Stages == nil {
		doc.Stages = make(map[Stage]StageRecord)
	}
	if doc.Artifacts == nil {
		doc.Artifacts = []Artifact{}
	}
	return doc, nil
}
