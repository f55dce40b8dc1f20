package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultCallbackTimeout bounds a single callback delivery.
const DefaultCallbackTimeout = 10 * time.Second

// CallbackOptions configures a CallbackClient.
type CallbackOptions struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// CallbackClient posts consensus results to requester supplied URLs.
// Delivery is attempted exactly once; callers log failures.
type CallbackClient struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewCallbackClient creates a CallbackClient.
func NewCallbackClient(optFns ...func(o *CallbackOptions)) *CallbackClient {
	opts := CallbackOptions{
		Timeout:   DefaultCallbackTimeout,
		UserAgent: "quorum-callback/1",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &CallbackClient{client: client, timeout: opts.Timeout, userAgent: opts.UserAgent}
}

// Deliver POSTs payload as JSON to url. Non-2xx responses are errors.
func (c *CallbackClient) Deliver(ctx context.Context, url string, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if event != "" {
		req.Header.Set("X-Quorum-Event", event)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("callback status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
