// Package notify defines the Mailer/SMSSender collaborators used to deliver
// login codes (SendGrid/Twilio transports are explicitly out of scope) and
// supplies a runnable default HTTP-backed implementation for each: POST a
// JSON body to a configured webhook, retrying transient failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Mailer dispatches an email. ApiWare's `@mail` action and NativeWare's
// account `code` action (opt=mail) both depend only on this interface.
type Mailer interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// SMSSender dispatches a text message. ApiWare's `@text`/`@grant` actions and
// account `code` (default, no opt) depend only on this interface.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// HTTPClientConfig configures both HTTPMailer and HTTPSMSSender: a single
// webhook endpoint that accepts a JSON POST, with bounded retry on
// transient (5xx/network) failures, mirroring ServiceClient's
// doWithRetry loop adapted from service-token auth retries to plain
// transient-failure retries since this collaborator carries no service
// token of its own.
type HTTPClientConfig struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
}

func (c HTTPClientConfig) client() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c HTTPClientConfig) retries() int {
	if c.MaxRetries == 0 {
		return 2
	}
	return c.MaxRetries
}

func postJSON(ctx context.Context, cfg HTTPClientConfig, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	client := cfg.client()
	var lastErr error
	for attempt := 0; attempt <= cfg.retries(); attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("notify: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
	return lastErr
}

// HTTPMailer is the default Mailer: POSTs {to, subject, body} to Endpoint.
type HTTPMailer struct{ Config HTTPClientConfig }

func NewHTTPMailer(cfg HTTPClientConfig) *HTTPMailer { return &HTTPMailer{Config: cfg} }

func (m *HTTPMailer) SendMail(ctx context.Context, to []string, subject, body string) error {
	return postJSON(ctx, m.Config, map[string]interface{}{
		"to": to, "subject": subject, "body": body,
	})
}

// HTTPSMSSender is the default SMSSender: POSTs {to, body} to Endpoint.
type HTTPSMSSender struct{ Config HTTPClientConfig }

func NewHTTPSMSSender(cfg HTTPClientConfig) *HTTPSMSSender { return &HTTPSMSSender{Config: cfg} }

func (s *HTTPSMSSender) SendSMS(ctx context.Context, to, body string) error {
	return postJSON(ctx, s.Config, map[string]interface{}{
		"to": to, "body": body,
	})
}
