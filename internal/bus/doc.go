// Package bus connects the pipeline's components through typed
// publish/subscribe events.
//
// Publish never blocks: each subscriber owns a FIFO backlog drained by its
// own pump goroutine, so a slow consumer only delays itself. Backlogs are
// bounded for progress-class events, which drop oldest with a warning on
// overflow; lifecycle events (captures, stage outcomes, abandons) are never
// dropped. Late subscribers see only events published after they subscribe.
//
// The event type set is open. New types need no bus changes: unknown types
// are treated as lifecycle and flow through untouched.
package bus
