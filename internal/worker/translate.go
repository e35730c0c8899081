package worker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
	"book-pipeline/internal/recordstore"
)

const (
	StrategySentence  = "sentence-by-sentence"
	StrategyWholeFile = "whole-file"

	translateConcurrency = 4
)

type translateInput struct {
	Source         string `json:"source"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Strategy       string `json:"strategy"`
}

type translateRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

type translateResponse struct {
	Translation string `json:"translation"`
}

// sentenceRow is one line of a translation table. Rows are what compose
// reads and what fine-tuning edits.
type sentenceRow struct {
	Paragraph   int
	Index       int
	Source      string
	Translation string
}

var sentenceSchema = recordstore.NewSchema("sentences",
	recordstore.Int("paragraph", func(r *sentenceRow) *int { return &r.Paragraph }),
	recordstore.Int("index", func(r *sentenceRow) *int { return &r.Index }),
	recordstore.String("source", func(r *sentenceRow) *string { return &r.Source }),
	recordstore.String("translation", func(r *sentenceRow) *string { return &r.Translation }),
)

// Translate translates a markdown document. The sentence strategy writes a
// translation table with one row per sentence; the whole-file strategy sends
// the document in one request and writes translated markdown. Without a
// translation service the text passes through unchanged.
func (p *Processor) Translate(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in translateInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	if err := required("source", in.Source); err != nil {
		return jobs.Result{}, err
	}
	if err := required("targetLanguage", in.TargetLanguage); err != nil {
		return jobs.Result{}, err
	}
	if in.Strategy == "" {
		in.Strategy = StrategySentence
	}

	data, _, err := p.fetch.Fetch(ctx, in.Source)
	if err != nil {
		return jobs.Result{}, err
	}
	translator := "passthrough"
	if p.cfg.TranslateServiceURL != "" {
		translator = "service"
	}
	base := strings.TrimSuffix(sourceName(in.Source), path.Ext(sourceName(in.Source)))

	switch in.Strategy {
	case StrategySentence:
		rows, err := p.translateSentences(ctx, in, splitSentences(string(data)))
		if err != nil {
			return jobs.Result{}, err
		}
		encoded := make([]recordstore.Record, len(rows))
		for i, r := range rows {
			encoded[i] = sentenceSchema.Encode(r)
		}
		body, err := recordstore.Marshal(sentenceSchema.Columns(), encoded)
		if err != nil {
			return jobs.Result{}, fmt.Errorf("encode translation table: %w", err)
		}
		key := outputKey(job.Kind, job.ID, base+"."+in.TargetLanguage+".csv")
		loc, err := p.out.Upload(ctx, key, body, "text/csv; charset=utf-8")
		if err != nil {
			return jobs.Result{}, fmt.Errorf("upload: %w", err)
		}
		return jobs.Result{Output: loc, Detail: map[string]any{
			"translator": translator,
			"strategy":   in.Strategy,
			"sentences":  len(rows),
		}}, nil

	case StrategyWholeFile:
		text, err := p.translateText(ctx, in, string(normalizeMarkdown(data)))
		if err != nil {
			return jobs.Result{}, err
		}
		md := normalizeMarkdown([]byte(text))
		key := outputKey(job.Kind, job.ID, base+"."+in.TargetLanguage+".md")
		loc, err := p.out.Upload(ctx, key, md, "text/markdown; charset=utf-8")
		if err != nil {
			return jobs.Result{}, fmt.Errorf("upload: %w", err)
		}
		return jobs.Result{Output: loc, Detail: map[string]any{
			"translator": translator,
			"strategy":   in.Strategy,
			"bytes":      len(md),
		}}, nil
	}
	return jobs.Result{}, fmt.Errorf("unknown strategy %q", in.Strategy)
}

func (p *Processor) translateSentences(ctx context.Context, in translateInput, sentences []sentence) ([]sentenceRow, error) {
	rows := make([]sentenceRow, len(sentences))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(translateConcurrency)
	for i, s := range sentences {
		rows[i] = sentenceRow{Paragraph: s.Paragraph, Index: s.Index, Source: s.Text}
		g.Go(func() error {
			text, err := p.translateText(gctx, in, s.Text)
			if err != nil {
				return fmt.Errorf("sentence %d: %w", s.Index, err)
			}
			rows[i].Translation = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *Processor) translateText(ctx context.Context, in translateInput, text string) (string, error) {
	if p.cfg.TranslateServiceURL == "" {
		return text, nil
	}
	var resp translateResponse
	err := p.postJSON(ctx, p.cfg.TranslateServiceURL, translateRequest{
		Text:   text,
		Source: in.SourceLanguage,
		Target: in.TargetLanguage,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	return resp.Translation, nil
}
