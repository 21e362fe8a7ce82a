package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	webhookContentType = "application/json"
	webhookTimeout     = 5 * time.Second
)

// WebhookSink posts every outcome as JSON to a http(s) endpoint. Delivery
// errors are logged only: the webhook must never stall supervision.
type WebhookSink struct {
	requestURL *url.URL
	client     *http.Client
	timeout    time.Duration
}

func NewWebhookSink(serverURL string) (*WebhookSink, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme and host, e.g. `http://localhost:8000/outcomes`")
	}

	return &WebhookSink{
		requestURL: parsedURL,
		client:     &http.Client{},
		timeout:    webhookTimeout,
	}, nil
}

func (s *WebhookSink) Report(ctx context.Context, o Outcome) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.post(ctx, o); err != nil {
		slog.ErrorContext(ctx, "posting outcome to webhook failed", "url", s.requestURL.String(), "error", err)
		return
	}
	slog.DebugContext(ctx, "outcome posted", "url", s.requestURL.String(), "handle_id", o.HandleID)
}

func (s *WebhookSink) post(ctx context.Context, o Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", webhookContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(body))
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
