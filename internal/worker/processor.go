// Package worker holds the job handlers behind each job kind. Handlers read
// their sources through a fetcher, call the configured upstream services and
// store artifacts through an uploader.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"book-pipeline/internal/config"
	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
)

// Processor executes jobs for every kind it registers.
type Processor struct {
	cfg        config.Config
	httpClient *http.Client
	fetch      *fetcher
	out        uploader
	logger     *slog.Logger
}

// NewProcessor builds the handlers and chooses where artifacts go: the S3
// bucket when one is configured, the local output directory otherwise.
func NewProcessor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.UpstreamTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./output"
	}
	if cfg.CoverWidth <= 0 {
		cfg.CoverWidth = 1600
	}
	httpClient := &http.Client{Timeout: timeout}

	p := &Processor{
		cfg:        cfg,
		httpClient: httpClient,
		fetch: &fetcher{
			httpClient: httpClient,
			roots:      nonEmpty(cfg.UploadDir, cfg.OutputDir),
			maxBytes:   cfg.MaxDownloadBytes,
		},
		out:    &localUploader{baseDir: cfg.OutputDir},
		logger: logger,
	}
	if cfg.OutputS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.fetch.s3 = client
		p.out = &s3Uploader{client: client, bucket: cfg.OutputS3Bucket}
	}
	return p, nil
}

// Handlers maps every job kind to its handler.
func (p *Processor) Handlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		models.KindConvertMarkdown: p.ConvertMarkdown,
		models.KindTranslate:       p.Translate,
		models.KindCompose:         p.Compose,
		models.KindEpub:            p.Epub,
		models.KindMail:            p.Mail,
		models.KindSearch:          p.Search,
	}
}

// Register binds handlers to c. An empty kinds list enables every kind.
func (p *Processor) Register(c *jobs.Coordinator, kinds []string) error {
	all := p.Handlers()
	if len(kinds) == 0 {
		kinds = models.Kinds
	}
	for _, kind := range kinds {
		h, ok := all[kind]
		if !ok {
			return fmt.Errorf("%w: %q", jobs.ErrUnknownKind, kind)
		}
		c.RegisterHandler(kind, h)
	}
	p.logger.Info("job handlers registered", "kinds", slices.Sorted(slices.Values(kinds)))
	return nil
}

func decodeInput(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return errors.New(field + " is required")
	}
	return nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
