package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
	"book-pipeline/internal/paginate"
	"book-pipeline/internal/recordstore"
)

func seedJobs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	st, err := recordstore.New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tbl := recordstore.NewTable(st, jobs.JobSchema(models.KindTranslate))
	events := recordstore.NewTable(st, jobs.EventSchema())
	for i, status := range []string{models.StatusSucceeded, models.StatusFailed, models.StatusQueued} {
		j := models.Job{
			ID:        string(rune('a' + i)),
			Kind:      models.KindTranslate,
			Status:    status,
			Input:     map[string]any{"targetLanguage": "vi"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if status == models.StatusFailed {
			j.Error = "translate: upstream returned 502"
		}
		require.NoError(t, tbl.Append(ctx, j))
		require.NoError(t, events.Append(ctx, models.JobEvent{JobID: j.ID, Kind: j.Kind, Event: "created", Recorded: j.CreatedAt}))
	}
	require.NoError(t, events.Append(ctx, models.JobEvent{JobID: "b", Kind: models.KindTranslate, Event: "failed", Detail: "translate: upstream returned 502", Recorded: base.Add(time.Hour)}))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCmd()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestJobsList_JSON(t *testing.T) {
	dir := seedJobs(t)

	out, err := run(t, "--data-dir", dir, "jobs", "list", models.KindTranslate, "--sort", "createdAt", "--order", "desc", "--page-size", "2")
	require.NoError(t, err)

	var page paginate.Page[models.Job]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c", page.Items[0].ID)
	assert.Equal(t, "b", page.Items[1].ID)
}

func TestJobsList_StatusFilter(t *testing.T) {
	dir := seedJobs(t)

	out, err := run(t, "--data-dir", dir, "jobs", "list", models.KindTranslate, "--status", models.StatusFailed)
	require.NoError(t, err)

	var page paginate.Page[models.Job]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID)
	assert.Equal(t, "translate: upstream returned 502", page.Items[0].Error)
}

func TestJobsList_Table(t *testing.T) {
	dir := seedJobs(t)

	out, err := run(t, "--data-dir", dir, "-o", "table", "jobs", "list", models.KindTranslate)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "page 1/1, 3 total")
}

func TestJobsList_FreshDataDirIsEmptyAndUntouched(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--data-dir", dir, "jobs", "list", models.KindEpub)
	require.NoError(t, err)

	var page paginate.Page[models.Job]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Empty(t, page.Items)
	assert.Equal(t, 1, page.TotalPages)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJobsGetAndEvents(t *testing.T) {
	dir := seedJobs(t)

	out, err := run(t, "--data-dir", dir, "jobs", "get", models.KindTranslate, "b")
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "vi", job.Input["targetLanguage"])

	out, err = run(t, "--data-dir", dir, "jobs", "events", models.KindTranslate, "b")
	require.NoError(t, err)
	var events []models.JobEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "failed", events[1].Event)
}

func TestJobs_Errors(t *testing.T) {
	dir := seedJobs(t)

	_, err := run(t, "--data-dir", dir, "jobs", "get", models.KindTranslate, "zzz")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	_, err = run(t, "--data-dir", dir, "jobs", "list", "print")
	assert.ErrorIs(t, err, jobs.ErrUnknownKind)

	_, err = run(t, "--data-dir", dir, "-o", "yaml", "jobs", "list", models.KindTranslate)
	assert.ErrorContains(t, err, "unsupported output format")

	_, err = run(t, "--data-dir", dir, "jobs", "get", models.KindTranslate)
	assert.Error(t, err)
}

func TestDataDirFromEnv(t *testing.T) {
	dir := seedJobs(t)
	t.Setenv("DATA_DIR", dir)

	out, err := run(t, "jobs", "get", models.KindTranslate, "a")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "succeeded"`)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bookctl dev")
}
