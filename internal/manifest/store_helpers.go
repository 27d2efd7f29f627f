package manifest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = "id, session_id, label, stage, status, started_at, ended_at, capture_file, render_file, render_embedded_start, render_start_offset_sec, render_end_offset_sec, unmatched, review_reason, stage_status_json, attempts_json, artifacts_json, error_message, progress_stage, progress_percent, progress_message, metadata_json, last_heartbeat, version, created_at, updated_at"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		id                int64
		sessionID         string
		label             sql.NullString
		stageStr          string
		statusStr         string
		startedRaw        sql.NullString
		endedRaw          sql.NullString
		captureFile       sql.NullString
		renderFile        sql.NullString
		renderEmbeddedRaw sql.NullString
		renderStartOffset sql.NullInt64
		renderEndOffset   sql.NullInt64
		unmatched         sql.NullInt64
		reviewReason      sql.NullString
		stageStatusJSON   sql.NullString
		attemptsJSON      sql.NullString
		artifactsJSON     sql.NullString
		errorMessage      sql.NullString
		progressStage     sql.NullString
		progressPercent   sql.NullFloat64
		progressMessage   sql.NullString
		metadata          sql.NullString
		lastHeartbeatRaw  sql.NullString
		version           int64
		createdRaw        sql.NullString
		updatedRaw        sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sessionID,
		&label,
		&stageStr,
		&statusStr,
		&startedRaw,
		&endedRaw,
		&captureFile,
		&renderFile,
		&renderEmbeddedRaw,
		&renderStartOffset,
		&renderEndOffset,
		&unmatched,
		&reviewReason,
		&stageStatusJSON,
		&attemptsJSON,
		&artifactsJSON,
		&errorMessage,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&metadata,
		&lastHeartbeatRaw,
		&version,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	session := &Session{
		ID:                   id,
		SessionID:            sessionID,
		Label:                label.String,
		Stage:                Stage(stageStr),
		CaptureFile:          captureFile.String,
		RenderFile:           renderFile.String,
		RenderStartOffsetSec: renderStartOffset.Int64,
		RenderEndOffsetSec:   renderEndOffset.Int64,
		ReviewReason:         reviewReason.String,
		ErrorMessage:         errorMessage.String,
		ProgressStage:        progressStage.String,
		ProgressPercent:      progressPercent.Float64,
		ProgressMessage:      progressMessage.String,
		MetadataJSON:         metadata.String,
		Version:              version,
	}
	if unmatched.Valid {
		session.Unmatched = unmatched.Int64 != 0
	}

	if err := unmarshalColumn(stageStatusJSON.String, &session.StageStatuses); err != nil {
		return nil, fmt.Errorf("decode stage statuses for %s: %w", sessionID, err)
	}
	if err := unmarshalColumn(attemptsJSON.String, &session.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts for %s: %w", sessionID, err)
	}
	if err := unmarshalColumn(artifactsJSON.String, &session.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for %s: %w", sessionID, err)
	}
	if session.StageStatuses == nil {
		session.StageStatuses = make(map[Stage]StageStatus)
	}
	if session.Attempts == nil {
		session.Attempts = make(map[Stage]int)
	}

	if started, err := parseTimeString(startedRaw.String); err == nil {
		session.StartedAt = started
	}
	if endedRaw.Valid {
		if ended, err := parseTimeString(endedRaw.String); err == nil {
			session.EndedAt = &ended
		}
	}
	if renderEmbeddedRaw.Valid {
		if embedded, err := parseTimeString(renderEmbeddedRaw.String); err == nil {
			session.RenderEmbeddedStart = &embedded
		}
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			session.LastHeartbeat = &heartbeat
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		session.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		session.UpdatedAt = updated
	}
	return session, nil
}

func marshalSessionColumns(session *Session) (stageJSON, attemptsJSON, artifactsJSON string, err error) {
	statuses := session.StageStatuses
	if statuses == nil {
		statuses = map[Stage]StageStatus{}
	}
	stageBytes, err := json.Marshal(statuses)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal stage statuses: %w", err)
	}

	attempts := session.Attempts
	if attempts == nil {
		attempts = map[Stage]int{}
	}
	attemptBytes, err := json.Marshal(attempts)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal attempts: %w", err)
	}

	artifacts := session.Artifacts
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	artifactBytes, err := json.Marshal(artifacts)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(stageBytes), string(attemptBytes), string(artifactBytes), nil
}

func unmarshalColumn(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
