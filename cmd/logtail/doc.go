// Command logtail serves a directory of log files over HTTP and WebSocket and
// queries a running daemon from the terminal.
//
// `logtail serve` runs the daemon in the foreground. The remaining commands
// (files, tail, search, download, stream, status) talk to it through
// internal/client.
package main
