package logging

import (
	"context"
	"log/slog"

	"conductor/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSessionID is the standardized structured logging key for capture session identifiers.
	FieldSessionID = "session_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldEventType tags a log record with a machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorCode carries the sentinel classification of a failure.
	FieldErrorCode = "error_code"
	// FieldErrorHint suggests the operator's next step after a failure.
	FieldErrorHint = "error_hint"
	// FieldErrorDetailPath points at a file holding full tool output for a failure.
	FieldErrorDetailPath = "error_detail_path"
	// FieldDecisionType tags records describing a correlation or scheduling decision.
	FieldDecisionType = "decision_type"
	// FieldProgressStage names the sub-step an adapter reported progress for.
	FieldProgressStage = "progress_stage"
	// FieldProgressPercent carries adapter progress as a 0-100 float.
	FieldProgressPercent = "progress_percent"
	// FieldProgressMessage carries the adapter's human progress line.
	FieldProgressMessage = "progress_message"
	// FieldProgressETA carries the adapter's remaining-time estimate.
	FieldProgressETA = "progress_eta"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := services.SessionIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSessionID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
