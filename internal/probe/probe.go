// Package probe checks whether a helper finished its startup and serves
// requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout  = 30 * time.Second
	initialInterval = 100 * time.Millisecond
	maxInterval     = 2 * time.Second
)

// HTTP polls URL until the server answers. Any response with a status
// below 500 counts as ready, 5xx responses and transport errors are retried
// with exponential backoff.
type HTTP struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTP) Wait(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // bounded by ctx

	notify := func(err error, next time.Duration) {
		slog.DebugContext(ctx, "helper not ready", "url", p.URL, "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(func() error { return p.check(ctx) }, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("probing %s: %w", p.URL, err)
	}
	return nil
}

func (p HTTP) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.New("unexpected status: " + resp.Status)
	}
	return nil
}
