package worker

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
)

type convertInput struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

var markdownExtensions = []string{".md", ".markdown", ".txt"}

// ConvertMarkdown turns an uploaded document into markdown. A configured
// conversion service receives every document; without one only text formats
// are accepted and normalized locally.
func (p *Processor) ConvertMarkdown(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in convertInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	if err := required("source", in.Source); err != nil {
		return jobs.Result{}, err
	}
	name := in.Name
	if name == "" {
		name = sourceName(in.Source)
	}
	ext := strings.ToLower(path.Ext(name))

	data, _, err := p.fetch.Fetch(ctx, in.Source)
	if err != nil {
		return jobs.Result{}, err
	}

	var (
		md        []byte
		converter string
	)
	switch {
	case p.cfg.ConvertServiceURL != "":
		converter = "service"
		md, err = p.postMultipart(ctx, p.cfg.ConvertServiceURL, map[string]string{"name": name},
			formFile{field: "file", name: name, data: data})
		if err != nil {
			return jobs.Result{}, fmt.Errorf("convert %s: %w", name, err)
		}
		md = normalizeMarkdown(md)
	case slices.Contains(markdownExtensions, ext):
		converter = "local"
		md = normalizeMarkdown(data)
	default:
		return jobs.Result{}, fmt.Errorf("no conversion service configured for %q files", ext)
	}

	key := outputKey(job.Kind, job.ID, strings.TrimSuffix(name, path.Ext(name))+".md")
	loc, err := p.out.Upload(ctx, key, md, "text/markdown; charset=utf-8")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("upload: %w", err)
	}
	return jobs.Result{
		Output: loc,
		Detail: map[string]any{
			"converter": converter,
			"bytes":     len(md),
			"sentences": len(splitSentences(string(md))),
		},
	}, nil
}

