package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"

	"book-pipeline/internal/jobs"
	"book-pipeline/internal/models"
)

var ErrNoMailer = errors.New("no mail service configured")

type mailInput struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Attachment string `json:"attachment"`
}

type mailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type mailRequest struct {
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Attachments []mailAttachment `json:"attachments,omitempty"`
}

type mailResponse struct {
	ID string `json:"id"`
}

// Mail hands a message, with an optional artifact attached, to the mail
// service. The job output is the id the service assigned.
func (p *Processor) Mail(ctx context.Context, job models.Job) (jobs.Result, error) {
	var in mailInput
	if err := decodeInput(job, &in); err != nil {
		return jobs.Result{}, err
	}
	if err := required("to", in.To); err != nil {
		return jobs.Result{}, err
	}
	if _, err := mail.ParseAddress(in.To); err != nil {
		return jobs.Result{}, fmt.Errorf("invalid recipient %q: %w", in.To, err)
	}
	if p.cfg.MailServiceURL == "" {
		return jobs.Result{}, ErrNoMailer
	}

	req := mailRequest{To: in.To, Subject: in.Subject, Body: in.Body}
	if in.Attachment != "" {
		data, contentType, err := p.fetch.Fetch(ctx, in.Attachment)
		if err != nil {
			return jobs.Result{}, fmt.Errorf("attachment: %w", err)
		}
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		req.Attachments = append(req.Attachments, mailAttachment{
			Filename:    sourceName(in.Attachment),
			ContentType: contentType,
			Content:     base64.StdEncoding.EncodeToString(data),
		})
	}

	var resp mailResponse
	if err := p.postJSON(ctx, p.cfg.MailServiceURL, req, &resp); err != nil {
		return jobs.Result{}, fmt.Errorf("send mail: %w", err)
	}
	return jobs.Result{Output: resp.ID, Detail: map[string]any{
		"to":          in.To,
		"attachments": len(req.Attachments),
	}}, nil
}
