// Package config loads, normalizes, and validates Conductor configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CONDUCTOR_NTFY_TOPIC. The Config type centralizes every knob the daemon and
// CLI need, allowing capture/render directories and delivery destinations to
// be discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
