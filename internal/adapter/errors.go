package adapter

import "conductor/internal/services"

// Transient wraps err as a retryable adapter failure: tool busy, network
// hiccup, timeout.
func Transient(stage, operation, message string, err error) error {
	return services.Wrap(services.ErrTransient, stage, operation, message, err)
}

// Permanent wraps err as a final adapter failure: bad input, rejected
// request, missing binary. The runner does not retry these.
func Permanent(stage, operation, message string, err error) error {
	return services.Wrap(services.ErrPermanent, stage, operation, message, err)
}
