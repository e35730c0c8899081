package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
	"book-pipeline/internal/paginate"
	"book-pipeline/internal/recordstore"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and inspect jobs",
	}
	cmd.AddCommand(newJobsListCmd(opts))
	cmd.AddCommand(newJobsGetCmd(opts))
	cmd.AddCommand(newJobsEventsCmd(opts))
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var (
		q      paginate.Query
		status string
	)
	cmd := &cobra.Command{
		Use:       "list <kind>",
		Short:     "List jobs of one kind, one page at a time",
		Args:      cobra.ExactArgs(1),
		ValidArgs: models.Kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := readJobs(cmd.Context(), opts.dataDir, args[0])
			if err != nil {
				return err
			}
			if status != "" {
				all = slices.DeleteFunc(all, func(j models.Job) bool { return j.Status != status })
			}
			page := paginate.Paginate(all, q, jobs.SortKeys.Func())
			return printJobs(cmd.OutOrStdout(), opts.output, page)
		},
	}
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&q.PageSize, "page-size", paginate.DefaultPageSize, "Items per page (max 100)")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "Sort key (id, status, progress, createdAt, updatedAt, startedAt, finishedAt)")
	cmd.Flags().StringVar(&q.Order, "order", "asc", "Sort order (asc, desc)")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs with this status")
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := findJob(cmd.Context(), opts.dataDir, args[0], args[1])
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), opts.output, job)
		},
	}
}

func newJobsEventsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <kind> <id>",
		Short: "Show the audit trail of one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := findJob(cmd.Context(), opts.dataDir, args[0], args[1])
			if err != nil {
				return err
			}
			st, err := recordstore.New(opts.dataDir)
			if err != nil {
				return err
			}
			events, err := readTable(cmd.Context(), st, jobs.EventSchema())
			if err != nil {
				return err
			}
			events = slices.DeleteFunc(events, func(e models.JobEvent) bool { return e.JobID != job.ID })
			return printEvents(cmd.OutOrStdout(), opts.output, events)
		},
	}
}

func readJobs(ctx context.Context, dataDir, kind string) ([]models.Job, error) {
	if !slices.Contains(models.Kinds, kind) {
		return nil, fmt.Errorf("%w: %q", jobs.ErrUnknownKind, kind)
	}
	st, err := recordstore.New(dataDir)
	if err != nil {
		return nil, err
	}
	return readTable(ctx, st, jobs.JobSchema(kind))
}

func findJob(ctx context.Context, dataDir, kind, id string) (models.Job, error) {
	all, err := readJobs(ctx, dataDir, kind)
	if err != nil {
		return models.Job{}, err
	}
	for _, j := range all {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
}

// readTable returns no rows for a table that was never written, so that
// inspecting a fresh data directory leaves it untouched.
func readTable[T any](ctx context.Context, st *recordstore.Store, schema recordstore.Schema[T]) ([]T, error) {
	path, err := st.Path(schema.Table())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return recordstore.NewTable(st, schema).All(ctx)
}
