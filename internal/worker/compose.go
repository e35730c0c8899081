package worker

import (
	"context"
	"fmt"
	"strings"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
	"book-pipeline/internal/recordstore"
)

const (
	FormatSentenceBySentence   = "sentence-by-sentence"
	FormatParagraphByParagraph = "paragraph-by-paragraph"
	FormatSideBySide           = "side-by-side"
	FormatTranslatedOnly       = "translated-only"
)

type composeInput struct {
	Sources   []string `json:"sources"`
	Languages []string `json:"languages"`
	Format    string   `json:"format"`
	Title     string   `json:"title"`
}

// track is one translation table aligned to the first source's sentences.
type track struct {
	label string
	text  map[int]string
}

// Compose interleaves translation tables into one multi-language markdown
// document. The first table supplies the source sentences and their order.
func (p *Processor) Compose(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in composeInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	if len(in.Sources) == 0 {
		return jobs.Result{}, fmt.Errorf("sources is required")
	}
	if in.Format == "" {
		in.Format = FormatSentenceBySentence
	}

	var (
		base   []sentenceRow
		tracks []track
	)
	for i, src := range in.Sources {
		rows, err := p.readSentences(ctx, src)
		if err != nil {
			return jobs.Result{}, fmt.Errorf("source %s: %w", src, err)
		}
		if i == 0 {
			base = rows
		}
		t := track{label: fmt.Sprintf("translation %d", i+1), text: make(map[int]string, len(rows))}
		if i < len(in.Languages) && in.Languages[i] != "" {
			t.label = in.Languages[i]
		}
		for _, r := range rows {
			t.text[r.Index] = r.Translation
		}
		tracks = append(tracks, t)
	}

	var b strings.Builder
	if in.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", in.Title)
	}
	switch in.Format {
	case FormatSentenceBySentence:
		composeSentences(&b, base, tracks)
	case FormatParagraphByParagraph:
		composeParagraphs(&b, base, tracks)
	case FormatSideBySide:
		composeTable(&b, base, tracks)
	case FormatTranslatedOnly:
		composeTranslated(&b, base, tracks)
	default:
		return jobs.Result{}, fmt.Errorf("unknown format %q", in.Format)
	}

	md := normalizeMarkdown([]byte(b.String()))
	loc, err := p.out.Upload(ctx, outputKey(job.Kind, job.ID, "composed.md"), md, "text/markdown; charset=utf-8")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("upload: %w", err)
	}
	return jobs.Result{Output: loc, Detail: map[string]any{
		"format":    in.Format,
		"sentences": len(base),
		"languages": len(tracks),
	}}, nil
}

func (p *Processor) readSentences(ctx context.Context, ref string) ([]sentenceRow, error) {
	data, _, err := p.fetch.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	records, err := recordstore.Unmarshal(data, sentenceSchema.Columns())
	if err != nil {
		return nil, err
	}
	rows := make([]sentenceRow, 0, len(records))
	for i, rec := range records {
		r, err := sentenceSchema.Decode(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func composeSentences(b *strings.Builder, base []sentenceRow, tracks []track) {
	for _, r := range base {
		b.WriteString(r.Source + "\n\n")
		for _, t := range tracks {
			fmt.Fprintf(b, "> **%s:** %s\n\n", t.label, t.text[r.Index])
		}
	}
}

func composeParagraphs(b *strings.Builder, base []sentenceRow, tracks []track) {
	for _, group := range byParagraph(base) {
		b.WriteString(joinField(group, func(r sentenceRow) string { return r.Source }) + "\n\n")
		for _, t := range tracks {
			text := joinField(group, func(r sentenceRow) string { return t.text[r.Index] })
			fmt.Fprintf(b, "> **%s:** %s\n\n", t.label, text)
		}
	}
}

func composeTable(b *strings.Builder, base []sentenceRow, tracks []track) {
	b.WriteString("| source |")
	for _, t := range tracks {
		b.WriteString(" " + tableCell(t.label) + " |")
	}
	b.WriteString("\n|---|" + strings.Repeat("---|", len(tracks)) + "\n")
	for _, r := range base {
		b.WriteString("| " + tableCell(r.Source) + " |")
		for _, t := range tracks {
			b.WriteString(" " + tableCell(t.text[r.Index]) + " |")
		}
		b.WriteString("\n")
	}
}

func composeTranslated(b *strings.Builder, base []sentenceRow, tracks []track) {
	for _, t := range tracks {
		if len(tracks) > 1 {
			fmt.Fprintf(b, "## %s\n\n", t.label)
		}
		for _, group := range byParagraph(base) {
			b.WriteString(joinField(group, func(r sentenceRow) string { return t.text[r.Index] }) + "\n\n")
		}
	}
}

func byParagraph(rows []sentenceRow) [][]sentenceRow {
	var out [][]sentenceRow
	for i, r := range rows {
		if i == 0 || r.Paragraph != rows[i-1].Paragraph {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], r)
	}
	return out
}

func joinField(rows []sentenceRow, field func(sentenceRow) string) string {
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		if s := field(r); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
