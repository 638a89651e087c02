// Package daemon coordinates the long-running logtail process.
//
// It wires configuration, the query service, the stream engine and the HTTP
// API into a single lifecycle with flock-based locking to prevent multiple
// instances. The daemon's own log records are published to the "app"
// virtual source so clients can stream them like any log file.
//
// Keep orchestration here: reading, tracking and fan-out live in their own
// packages while the daemon focuses on startup, shutdown and transport.
package daemon
