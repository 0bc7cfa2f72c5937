package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultAttempts = 3

	// EventHeader carries the alert type so receivers can route without
	// parsing the body.
	EventHeader = "X-Dispatchwatch-Event"
)

var httpClient = &http.Client{}

// retryDelay is the first backoff interval. Tests shorten it.
var retryDelay = 500 * time.Millisecond

// Send delivers one alert to a destination. Transport errors and 5xx
// responses are retried with exponential backoff; 4xx is final.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	post := func() (int, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, event.Type)
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return resp.StatusCode, nil
		case resp.StatusCode < 500:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
		default:
			return resp.StatusCode, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay
	_, err = backoff.Retry(ctx, post,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		return fmt.Errorf("alert %s to %s: %w", event.Type, cfg.URL, err)
	}
	return nil
}
