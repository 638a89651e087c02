// Package logging assembles the slog loggers used by logtail.
//
// It owns the console and JSON handlers, level and output plumbing, and the
// line handler that turns the daemon's own records into text lines for the
// "app" stream source. Console lines carry a bracketed severity tag
// ("[INFO]", "[WARN]", ...) so the same severity filter used for log files
// applies to the daemon's output.
//
// Prefer these constructors over hand-rolled slog setup so new components
// emit the same shape of data as the rest of the daemon.
package logging
