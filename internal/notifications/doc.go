// Package notifications delivers operator push notifications via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when no topic is set. Enumerated
// event types cover the pipeline milestones an operator cares about
// (completions, failures, parked clips, capture-device hotplug) so callers
// emit consistent messages without duplicating HTTP glue. Repeated
// identical notifications inside the dedup window are dropped to keep a
// flapping device from flooding the topic.
package notifications
