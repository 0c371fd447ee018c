// SPDX-License-Identifier: MIT

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// webhookDestination POSTs result messages as JSON to an HTTP endpoint.
type webhookDestination struct {
	base

	url        string
	timeoutSec float64
	client     *http.Client
}

func (d *webhookDestination) Configure(cfg map[string]any) error {
	raw, ok := cfgString(cfg, "url")
	if !ok {
		return &ConfigError{Kind: d.kind, Reason: "url is required"}
	}
	endpoint := d.expand(raw)
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &ConfigError{Kind: d.kind, Reason: fmt.Sprintf("invalid url %q", endpoint)}
	}

	timeout := defaultWebhookTimeout
	if sec, ok := cfgFloat(cfg, "timeout"); ok {
		if sec <= 0 {
			return &ConfigError{Kind: d.kind, Reason: "timeout must be positive"}
		}
		d.timeoutSec = sec
		timeout = time.Duration(sec * float64(time.Second))
	}

	d.url = endpoint
	d.client = &http.Client{Timeout: timeout}
	d.applyCommon(cfg)
	return nil
}

func (d *webhookDestination) Publish(ctx context.Context, msg Message) error {
	if !d.allow() {
		return ErrRateLimited
	}
	data, err := json.Marshal(d.payload(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", d.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post to %s: unexpected status %d", d.url, resp.StatusCode)
	}
	return nil
}

func (d *webhookDestination) Config() map[string]any {
	out := map[string]any{"url": d.url}
	if d.timeoutSec > 0 {
		out["timeout"] = d.timeoutSec
	}
	d.emitCommon(out)
	return out
}

func (d *webhookDestination) Close() error {
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
	return nil
}
