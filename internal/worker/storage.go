package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"book-pipeline/internal/config"
)

var (
	ErrSourceNotAllowed = errors.New("source outside readable directories")
	ErrTooLarge         = errors.New("source too large")
)

// uploader stores a finished artifact and returns where it landed.
type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.OutputS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.OutputS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.OutputS3Endpoint)
		}
		o.UsePathStyle = cfg.OutputS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// fetcher reads job sources: http(s) URLs, s3:// objects and local files
// under the upload and output directories.
type fetcher struct {
	httpClient *http.Client
	s3         *s3.Client
	roots      []string
	maxBytes   int64
}

func (f *fetcher) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	case strings.HasPrefix(ref, "s3://"):
		return f.getObject(ctx, ref)
	default:
		return f.readLocal(ref)
	}
}

func (f *fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download source: status %d", resp.StatusCode)
	}
	body, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *fetcher) getObject(ctx context.Context, ref string) ([]byte, string, error) {
	if f.s3 == nil {
		return nil, "", fmt.Errorf("read %s: OUTPUT_S3_BUCKET is not configured", ref)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", fmt.Errorf("invalid s3 reference %q", ref)
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	body, err := f.readLimited(out.Body)
	if err != nil {
		return nil, "", err
	}
	return body, aws.ToString(out.ContentType), nil
}

func (f *fetcher) readLocal(ref string) ([]byte, string, error) {
	p, err := f.resolveLocal(ref)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, "", fmt.Errorf("open source: %w", err)
	}
	defer file.Close()
	body, err := f.readLimited(file)
	if err != nil {
		return nil, "", err
	}
	return body, "", nil
}

// resolveLocal returns the absolute path of ref if it lies inside one of the
// readable roots.
func (f *fetcher) resolveLocal(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty source reference")
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	for _, root := range f.roots {
		if within(root, abs) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSourceNotAllowed, ref)
}

func (f *fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.maxBytes
	if limit <= 0 {
		limit = 50 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, limit)
	}
	return body, nil
}

func within(root, target string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimPrefix(key, "/")
}

// sourceName returns the file name a reference points at.
func sourceName(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		p = u.Path
	}
	name := path.Base(filepath.ToSlash(p))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

// outputKey places an artifact under <kind>/<job id>/.
func outputKey(kind, jobID, name string) string {
	return sanitizeKey(path.Join(kind, jobID, path.Base(sanitizeKey(name))))
}
