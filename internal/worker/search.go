package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
)

const (
	defaultSearchResults = 50
	maxSearchResults     = 500
)

type searchInput struct {
	Query      string `json:"query"`
	Root       string `json:"root"`
	MaxResults int    `json:"maxResults"`
}

type searchHit struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type searchReport struct {
	Query     string      `json:"query"`
	Files     int         `json:"files"`
	Truncated bool        `json:"truncated"`
	Hits      []searchHit `json:"hits"`
}

// Search scans the markdown files under the local output directory for lines
// containing the query, ignoring case.
func (p *Processor) Search(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in searchInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	query := strings.TrimSpace(in.Query)
	if err := required("query", query); err != nil {
		return jobs.Result{}, err
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = defaultSearchResults
	}
	limit = min(limit, maxSearchResults)

	root := filepath.Join(p.cfg.OutputDir, filepath.FromSlash(sanitizeKey(in.Root)))
	report := searchReport{Query: query, Hits: []searchHit{}}
	needle := strings.ToLower(query)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isMarkdownFile(path) {
			return nil
		}
		report.Files++
		// One hit past the limit tells a full page from a truncated one.
		hits, err := scanFile(path, needle, limit-len(report.Hits)+1)
		if err != nil {
			return err
		}
		report.Hits = append(report.Hits, hits...)
		if len(report.Hits) > limit {
			report.Hits = report.Hits[:limit]
			report.Truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return jobs.Result{}, fmt.Errorf("search %s: %w", root, err)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("encode results: %w", err)
	}
	loc, err := p.out.Upload(ctx, outputKey(job.Kind, job.ID, "results.json"), body, "application/json")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("upload: %w", err)
	}
	return jobs.Result{Output: loc, Detail: map[string]any{
		"matches": len(report.Hits),
		"files":   report.Files,
	}}, nil
}

func isMarkdownFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

func scanFile(path, needle string, limit int) ([]searchHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []searchHit
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if !strings.Contains(strings.ToLower(text), needle) {
			continue
		}
		hits = append(hits, searchHit{Path: filepath.ToSlash(path), Line: line, Text: strings.TrimSpace(text)})
		if len(hits) >= limit {
			break
		}
	}
	return hits, sc.Err()
}
