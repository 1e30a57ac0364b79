// Package httpclient holds the JSON-over-HTTP plumbing shared by upstream
// service clients.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/logging"
)

const maxErrorBody = 512

// Options configures a Client
type Options struct {
	// Service names the upstream in errors and logs
	Service string
	BaseURL string
	Token   string
	// Timeout bounds each call including transport retries
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client issues JSON requests against one upstream service
type Client struct {
	service string
	baseURL string
	token   string
	timeout time.Duration
	http    *retryablehttp.Client
}

// New creates a client with transport level retries
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 2 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = logging.LeveledLogger{Component: opts.Service}
	// hand the last response back so the status code reaches the caller
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		service: opts.Service,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: opts.Timeout,
		http:    rc,
	}
}

// GetJSON performs a GET and decodes the response body into out
func (c *Client) GetJSON(ctx context.Context, op, path string, out interface{}) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out)
}

// PostJSON encodes in as the request body and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, op, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload interface{}
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return errors.NewClientError(c.service, op, 0, "", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if resp == nil {
		return errors.NewClientError(c.service, op, 0, "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFoundError(c.service, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.NewClientError(c.service, op, resp.StatusCode, strings.TrimSpace(string(snippet)), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewClientError(c.service, op, resp.StatusCode, "malformed response", err)
	}
	return nil
}

// Service returns the upstream name
func (c *Client) Service() string { return c.service }
