// Package stream pushes appended log lines to live subscribers.
//
// An Engine runs one feed goroutine per streamed file. The feed waits on a
// watch.Notifier, reads the bytes appended since the tracked offset, keeps a
// resident window of recent lines and broadcasts each line to the file's
// subscriber registry. Every subscriber is a Session with its own worker
// goroutine and bounded queue; a session whose queue overflows is treated as
// unreachable and closes itself without affecting the others.
//
// Named virtual sources (see Engine.Sink) are streamed the same way but are
// fed by producers in the process, such as the daemon's logger.
package stream
