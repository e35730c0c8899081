package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
)

var ErrNoRenderer = errors.New("no EPUB renderer configured")

type epubInput struct {
	Source string `json:"source"`
	Cover  string `json:"cover"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Epub renders a markdown book through the EPUB service. The cover, when
// given, is scaled down to the configured width and stored next to the book.
func (p *Processor) Epub(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in epubInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	if err := required("source", in.Source); err != nil {
		return jobs.Result{}, err
	}
	if p.cfg.EpubServiceURL == "" {
		return jobs.Result{}, ErrNoRenderer
	}
	if in.Title == "" {
		in.Title = strings.TrimSuffix(sourceName(in.Source), ".md")
	}

	md, _, err := p.fetch.Fetch(ctx, in.Source)
	if err != nil {
		return jobs.Result{}, err
	}
	files := []formFile{{field: "markdown", name: "book.md", data: md}}
	detail := map[string]any{"title": in.Title}

	if in.Cover != "" {
		cover, err := p.prepareCover(ctx, in.Cover)
		if err != nil {
			return jobs.Result{}, err
		}
		loc, err := p.out.Upload(ctx, outputKey(job.Kind, job.ID, "cover.jpg"), cover, "image/jpeg")
		if err != nil {
			return jobs.Result{}, fmt.Errorf("upload cover: %w", err)
		}
		detail["cover"] = loc
		files = append(files, formFile{field: "cover", name: "cover.jpg", data: cover})
	}

	book, err := p.postMultipart(ctx, p.cfg.EpubServiceURL,
		map[string]string{"title": in.Title, "author": in.Author}, files...)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("render epub: %w", err)
	}
	loc, err := p.out.Upload(ctx, outputKey(job.Kind, job.ID, slug(in.Title)+".epub"), book, "application/epub+zip")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("upload: %w", err)
	}
	detail["bytes"] = len(book)
	return jobs.Result{Output: loc, Detail: detail}, nil
}

func (p *Processor) prepareCover(ctx context.Context, ref string) ([]byte, error) {
	data, _, err := p.fetch.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode cover: %w", err)
	}
	if img.Bounds().Dx() > p.cfg.CoverWidth {
		img = imaging.Resize(img, p.cfg.CoverWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

func slug(title string) string {
	s := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if s == "" {
		return "book"
	}
	return s
}
