// Package config loads, normalizes, and validates logtail configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the LOGTAIL_LOG_DIR and
// LOGTAIL_API_BIND environment overrides. The Config type centralizes every
// knob the daemon and CLI need so the log root, stream limits and API bind
// address are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
