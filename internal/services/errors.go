package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures that are expected to clear on retry
	// (tool busy, network hiccup, timeout).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that retrying cannot fix (bad input,
	// rejected request, missing binary).
	ErrPermanent = errors.New("permanent failure")
	// ErrValidation marks inputs that fail local validation before any
	// external tool is invoked.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks unusable configuration discovered at runtime.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks lookups for sessions or artifacts that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks optimistic-version collisions on manifest writes.
	// Callers reload and retry; the error never reaches an operator.
	ErrConflict = errors.New("version conflict")
	// ErrProtocol marks signal sequences the capture protocol forbids,
	// such as a second capture start while a session is still open.
	ErrProtocol = errors.New("protocol violation")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether the stage runner should retry after err.
// Only transient failures (including per-attempt timeouts, which are wrapped
// as transient) qualify; anything marked permanent, validation, or
// configuration is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
