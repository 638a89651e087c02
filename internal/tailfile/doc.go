// Package tailfile tracks per-file read cursors and reads complete lines that
// were appended past a cursor.
//
// A Tracker holds one offset per absolute path for the life of the process.
// Before each read cycle callers run Check with the file's current size and
// identity; a shrink (or a replaced inode) resets the cursor to zero and is
// reported as a rotation rather than an error. Reader never returns a trailing
// line that lacks its terminator and never advances the cursor past it, so the
// line is picked up whole on a later cycle.
package tailfile
