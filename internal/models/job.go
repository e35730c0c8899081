package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job tables.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job kinds. Each kind has its own table.
const (
	KindConvertMarkdown = "convert-markdown"
	KindTranslate       = "translate"
	KindCompose         = "compose"
	KindEpub            = "epub"
	KindMail            = "mail"
	KindSearch          = "search"
)

// Kinds lists every job kind in a stable order.
var Kinds = []string{
	KindConvertMarkdown,
	KindTranslate,
	KindCompose,
	KindEpub,
	KindMail,
	KindSearch,
}

// IsTerminal reports whether status can no longer change.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Job is one row of a <kind>_jobs table.
type Job struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input"`
	Output     string         `json:"output,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Progress   int            `json:"progress"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	StartedAt  time.Time      `json:"startedAt,omitzero"`
	FinishedAt time.Time      `json:"finishedAt,omitzero"`
}

// JobEvent is an audit row in the job_events table.
type JobEvent struct {
	JobID    string    `json:"jobId"`
	Kind     string    `json:"kind"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}
