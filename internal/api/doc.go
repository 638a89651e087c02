// Package api holds the wire types and endpoint paths shared by the daemon's
// HTTP server and its clients.
//
// Payloads are plain JSON. Streaming endpoints carry one log line per
// Server-Sent Event or WebSocket text frame and use no envelope.
package api
