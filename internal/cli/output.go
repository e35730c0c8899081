package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"book-pipeline/internal/models"
	"book-pipeline/internal/paginate"
)

func validateOutputFormat(output string) error {
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, output string, page paginate.Page[models.Job]) error {
	if output == "json" {
		return printJSON(w, page)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tCREATED\tOUTPUT\tERROR")
	for _, j := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Status, strconv.Itoa(j.Progress)+"%", formatTime(j.CreatedAt), j.Output, j.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "page %d/%d, %d total\n", page.Page, page.TotalPages, page.Total)
	return err
}

func printJob(w io.Writer, output string, j models.Job) error {
	if output == "json" {
		return printJSON(w, j)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", j.ID},
		{"KIND", j.Kind},
		{"STATUS", j.Status},
		{"PROGRESS", strconv.Itoa(j.Progress) + "%"},
		{"CREATED", formatTime(j.CreatedAt)},
		{"STARTED", formatTime(j.StartedAt)},
		{"FINISHED", formatTime(j.FinishedAt)},
		{"OUTPUT", j.Output},
		{"ERROR", j.Error},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func printEvents(w io.Writer, output string, events []models.JobEvent) error {
	if output == "json" {
		return printJSON(w, events)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tEVENT\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatTime(e.Recorded), e.Event, e.Detail)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
