// Package client is the HTTP and WebSocket client the CLI uses to reach a
// running logtail daemon.
package client
