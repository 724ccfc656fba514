// Package pod contains the HTTP clients for the chat platform endpoints the
// ingestion pipeline depends on: RSA authentication and key retrieval.
package pod

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

// Config holds the pod endpoints.
type Config struct {
	PodURL         string
	SessionAuthURL string
	KeyAuthURL     string
	KeyManagerURL  string
	// HTTPClient defaults to a client with a 30s timeout. Per-call deadlines come from ctx.
	HTTPClient *http.Client
}

// Client talks to the pod, its session authenticator and its key manager.
type Client struct {
	http           *http.Client
	podURL         string
	sessionAuthURL string
	keyAuthURL     string
	keyManagerURL  string
	jwtTTL         time.Duration
	now            func() time.Time
}

// NewClient constructs a pod client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:           hc,
		podURL:         strings.TrimRight(cfg.PodURL, "/"),
		sessionAuthURL: strings.TrimRight(cfg.SessionAuthURL, "/"),
		keyAuthURL:     strings.TrimRight(cfg.KeyAuthURL, "/"),
		keyManagerURL:  strings.TrimRight(cfg.KeyManagerURL, "/"),
		jwtTTL:         5 * time.Minute,
		now:            time.Now,
	}
}

// statusError is a non-2xx answer from the pod.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("pod: status %d: %s", e.Code, e.Body)
}

func (e *statusError) rejected() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// doJSON sends body (if any) as JSON and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
