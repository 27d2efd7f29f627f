package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/config"
	"conductor/internal/services"
)

// Store manages session persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the manifest database and applies
// migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.ManifestDBPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Create inserts a new session. The session ID must be unique; inserting a
// duplicate fails with a conflict error.
func (s *Store) Create(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	if strings.TrimSpace(session.SessionID) == "" {
		return errors.New("session id is empty")
	}

	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.Version = 1

	stageJSON, attemptsJSON, artifactsJSON, err := marshalSessionColumns(session)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
            session_id, label, stage, status, started_at, ended_at,
            capture_file, render_file, render_embedded_start,
            render_start_offset_sec, render_end_offset_sec, unmatched,
            review_reason, stage_status_json, attempts_json, artifacts_json,
            error_message, progress_stage, progress_percent, progress_message,
            metadata_json, last_heartbeat, version, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		nullableString(session.Label),
		session.Stage,
		session.OverallStatus(),
		session.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(session.EndedAt),
		nullableString(session.CaptureFile),
		nullableString(session.RenderFile),
		nullableTime(session.RenderEmbeddedStart),
		session.RenderStartOffsetSec,
		session.RenderEndOffsetSec,
		boolToInt(session.Unmatched),
		nullableString(session.ReviewReason),
		stageJSON,
		attemptsJSON,
		artifactsJSON,
		nullableString(session.ErrorMessage),
		nullableString(session.ProgressStage),
		session.ProgressPercent,
		nullableString(session.ProgressMessage),
		nullableString(session.MetadataJSON),
		nullableTime(session.LastHeartbeat),
		session.Version,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create session %s: duplicate session id: %w", session.SessionID, services.ErrConflict)
		}
		return fmt.Errorf("create session %s: %w", session.SessionID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	session.ID = id
	return nil
}

// Load fetches a session by session ID.
func (s *Store) Load(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return session, nil
}

// Save persists a session using optimistic versioning: the write succeeds only
// when the stored version still matches the session's, otherwise it fails with
// a conflict and the caller must reload, merge, and retry. On success the
// in-memory version is advanced to match the store.
func (s *Store) Save(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session is nil")
	}

	stageJSON, attemptsJSON, artifactsJSON, err := marshalSessionColumns(session)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
         SET label = ?, stage = ?, status = ?, started_at = ?, ended_at = ?,
             capture_file = ?, render_file = ?, render_embedded_start = ?,
             render_start_offset_sec = ?, render_end_offset_sec = ?,
             unmatched = ?, review_reason = ?, stage_status_json = ?,
             attempts_json = ?, artifacts_json = ?, error_message = ?,
             progress_stage = ?, progress_percent = ?, progress_message = ?,
             metadata_json = ?, last_heartbeat = ?, version = version + 1,
             updated_at = ?
         WHERE session_id = ? AND version = ?`,
		nullableString(session.Label),
		session.Stage,
		session.OverallStatus(),
		session.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(session.EndedAt),
		nullableString(session.CaptureFile),
		nullableString(session.RenderFile),
		nullableTime(session.RenderEmbeddedStart),
		session.RenderStartOffsetSec,
		session.RenderEndOffsetSec,
		boolToInt(session.Unmatched),
		nullableString(session.ReviewReason),
		stageJSON,
		attemptsJSON,
		artifactsJSON,
		nullableString(session.ErrorMessage),
		nullableString(session.ProgressStage),
		session.ProgressPercent,
		nullableString(session.ProgressMessage),
		nullableString(session.MetadataJSON),
		nullableTime(session.LastHeartbeat),
		now.Format(time.RFC3339Nano),
		session.SessionID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.SessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session %s: rows affected: %w", session.SessionID, err)
	}
	if affected == 0 {
		if _, loadErr := s.Load(ctx, session.SessionID); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("save session %s: stale version %d: %w", session.SessionID, session.Version, services.ErrConflict)
	}

	session.Version++
	session.UpdatedAt = now
	return nil
}

const mutateAttempts = 5

// Mutate loads the session, applies fn, and saves, retrying the whole cycle
// on version conflicts so concurrent writers converge without lost updates.
func (s *Store) Mutate(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}

		session, err := s.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			return nil, err
		}
		if err := s.Save(ctx, session); err != nil {
			if IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return session, nil
	}
	return nil, fmt.Errorf("mutate session %s: retries exhausted: %w", sessionID, lastErr)
}

// List returns sessions filtered by overall status (or all sessions when no
// status is provided), ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + sessionColumns + ` FROM sessions`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListActive returns sessions not yet in a terminal status: everything except
// completed and abandoned sessions. Failed sessions stay listed until an
// operator retries or archives them.
func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	return s.List(ctx, SessionPending, SessionRunning, SessionFailed)
}

// FindOpenCapture returns the most recent session still in the capturing
// stage, or nil when no capture is open.
func (s *Store) FindOpenCapture(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions
         WHERE stage = ? AND status IN (?, ?)
         ORDER BY created_at DESC LIMIT 1`,
		StageCapturing,
		SessionPending,
		SessionRunning,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open capture: %w", err)
	}
	return session, nil
}

// FindByRenderFile returns the session already holding the given render file,
// or nil. Used to deduplicate re-detected files after a restart.
func (s *Store) FindByRenderFile(ctx context.Context, path string) (*Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE render_file = ? ORDER BY id LIMIT 1`,
		path,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by render file: %w", err)
	}
	return session, nil
}

// UpdateHeartbeat bumps the heartbeat timestamp for an in-flight session
// without advancing its version, so it never conflicts with stage writes.
func (s *Store) UpdateHeartbeat(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET last_heartbeat = ?, updated_at = ? WHERE session_id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// UpdateProgress persists only the display progress fields, leaving version
// and heartbeat untouched. Progress is advisory; losing a sample is fine,
// clobbering a concurrent stage write is not.
func (s *Store) UpdateProgress(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
         SET progress_stage = ?, progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE session_id = ?`,
		nullableString(session.ProgressStage),
		session.ProgressPercent,
		nullableString(session.ProgressMessage),
		time.Now().UTC().Format(time.RFC3339Nano),
		session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

var errResetSkip = errors.New("reset skip")

// ResetStaleRunning returns running stages back to pending for sessions whose
// heartbeat expired before cutoff, so the controller can dispatch them again
// after a crash. Capture-stage sessions carry no heartbeat and are never
// touched. Returns the number of sessions reset.
func (s *Store) ResetStaleRunning(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT session_id FROM sessions
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		SessionRunning,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("query stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var count int64
	for _, id := range ids {
		_, err := s.Mutate(ctx, id, func(session *Session) error {
			if session.LastHeartbeat == nil || !session.LastHeartbeat.Before(cutoff) {
				return errResetSkip
			}
			changed := false
			for _, stage := range ExecutableStages() {
				if session.StatusFor(stage) == StatusRunning {
					session.SetStatus(stage, StatusPending)
					changed = true
				}
			}
			if !changed {
				return errResetSkip
			}
			session.LastHeartbeat = nil
			session.SetProgress("", "Reset after stale heartbeat", 0)
			return nil
		})
		if errors.Is(err, errResetSkip) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Stats returns a count of sessions grouped by overall status.
func (s *Store) Stats(ctx context.Context) (map[SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[SessionStatus]int)
	for rows.Next() {
		var status SessionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
