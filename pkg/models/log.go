package models

import "time"

// LogStream identifies which pipe a log line came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogEntry is one streamed line from a child's stdout or stderr.
// Retention is best-effort: entries live in a bounded ring or capped table.
type LogEntry struct {
	ServerID  string    `json:"server_id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Content   string    `json:"content"`
}
