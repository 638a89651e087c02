// Package query answers the pull-style questions asked of a log directory:
// which files exist, what their last N lines are, and which lines match a
// pattern. Every name is validated against the configured root before the
// filesystem is touched, and compressed (.gz) files are read transparently.
package query
