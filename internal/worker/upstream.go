package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// maxErrorBody bounds how much of a failed upstream response ends up in a
// job's error column.
const maxErrorBody = 512

type formFile struct {
	field string
	name  string
	data  []byte
}

func (p *Processor) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := p.send(ctx, url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (p *Processor) postMultipart(ctx context.Context, url string, fields map[string]string, files ...formFile) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			return nil, fmt.Errorf("create form file %s: %w", f.field, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("write form file %s: %w", f.field, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}
	return p.send(ctx, url, mw.FormDataContentType(), &buf)
}

func (p *Processor) send(ctx context.Context, url, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := p.fetch.readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return data, nil
}
