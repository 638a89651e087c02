package api

import (
	"logtail/internal/query"
	"logtail/internal/stream"
)

// Endpoint paths served by the daemon.
const (
	PathStatus   = "/api/status"
	PathFiles    = "/api/logs/files"
	PathView     = "/api/logs/view"
	PathSearch   = "/api/logs/search"
	PathDownload = "/api/logs/download/"
	PathStream   = "/api/logs/stream"
	PathSocket   = "/ws/logs"
)

// DaemonStatus is the payload of GET /api/status.
type DaemonStatus struct {
	Running      bool         `json:"running"`
	PID          int          `json:"pid"`
	LogDir       string       `json:"log_dir"`
	LockFilePath string       `json:"lock_file_path"`
	APIBind      string       `json:"api_bind"`
	WatchMode    string       `json:"watch_mode"`
	StartedAt    string       `json:"started_at,omitempty"`
	Stream       stream.Stats `json:"stream"`
}

// FileListResponse is the payload of GET /api/logs/files.
type FileListResponse = query.Page

// LinesResponse carries the result of a view or search query.
type LinesResponse struct {
	File  string   `json:"file"`
	Lines []string `json:"lines"`
	Count int      `json:"count"`
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewLinesResponse wraps lines for file, never encoding a null list.
func NewLinesResponse(file string, lines []string) LinesResponse {
	if lines == nil {
		lines = []string{}
	}
	return LinesResponse{File: file, Lines: lines, Count: len(lines)}
}
