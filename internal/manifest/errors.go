package manifest

import (
	"errors"

	"conductor/internal/services"
)

// IsNotFound reports whether err indicates a missing session.
func IsNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}

// IsConflict reports whether err indicates an optimistic-version collision or
// a duplicate session ID. Callers reload and retry; Mutate does so for them.
func IsConflict(err error) bool {
	return errors.Is(err, services.ErrConflict)
}
