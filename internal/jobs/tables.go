package jobs

import (
	"strings"
	"time"

	"book-pipeline/internal/models"
	"book-pipeline/internal/paginate"
	"book-pipeline/internal/recordstore"
)

// EventsTable is the append-only audit table shared by every job kind.
const EventsTable = "job_events"

// TableName returns the table holding jobs of kind, e.g. convert_markdown_jobs.
func TableName(kind string) string {
	return strings.ReplaceAll(kind, "-", "_") + "_jobs"
}

// JobSchema returns the schema of the table for kind.
func JobSchema(kind string) recordstore.Schema[models.Job] {
	return recordstore.NewSchema(TableName(kind),
		recordstore.String("id", func(j *models.Job) *string { return &j.ID }),
		recordstore.String("kind", func(j *models.Job) *string { return &j.Kind }),
		recordstore.String("status", func(j *models.Job) *string { return &j.Status }),
		recordstore.JSON("input", func(j *models.Job) *map[string]any { return &j.Input }),
		recordstore.String("output", func(j *models.Job) *string { return &j.Output }),
		recordstore.JSON("detail", func(j *models.Job) *map[string]any { return &j.Detail }),
		recordstore.Int("progress", func(j *models.Job) *int { return &j.Progress }),
		recordstore.String("error", func(j *models.Job) *string { return &j.Error }),
		recordstore.Time("createdAt", func(j *models.Job) *time.Time { return &j.CreatedAt }),
		recordstore.Time("updatedAt", func(j *models.Job) *time.Time { return &j.UpdatedAt }),
		recordstore.Time("startedAt", func(j *models.Job) *time.Time { return &j.StartedAt }),
		recordstore.Time("finishedAt", func(j *models.Job) *time.Time { return &j.FinishedAt }),
	)
}

var eventSchema = recordstore.NewSchema(EventsTable,
	recordstore.String("jobId", func(e *models.JobEvent) *string { return &e.JobID }),
	recordstore.String("kind", func(e *models.JobEvent) *string { return &e.Kind }),
	recordstore.String("event", func(e *models.JobEvent) *string { return &e.Event }),
	recordstore.String("detail", func(e *models.JobEvent) *string { return &e.Detail }),
	recordstore.Time("recordedAt", func(e *models.JobEvent) *time.Time { return &e.Recorded }),
)

// EventSchema returns the schema of the audit table.
func EventSchema() recordstore.Schema[models.JobEvent] {
	return eventSchema
}

// SortKeys are the job fields list endpoints can sort by.
var SortKeys = paginate.Keys[models.Job]{
	"id":         func(j models.Job) any { return j.ID },
	"status":     func(j models.Job) any { return j.Status },
	"progress":   func(j models.Job) any { return j.Progress },
	"createdAt":  func(j models.Job) any { return j.CreatedAt },
	"updatedAt":  func(j models.Job) any { return j.UpdatedAt },
	"startedAt":  func(j models.Job) any { return nonZero(j.StartedAt) },
	"finishedAt": func(j models.Job) any { return nonZero(j.FinishedAt) },
	"error":      func(j models.Job) any { return emptyToNil(j.Error) },
	"output":     func(j models.Job) any { return emptyToNil(j.Output) },
}

// EventSortKeys are the audit fields list endpoints can sort by.
var EventSortKeys = paginate.Keys[models.JobEvent]{
	"event":      func(e models.JobEvent) any { return e.Event },
	"recordedAt": func(e models.JobEvent) any { return e.Recorded },
}

func nonZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
