package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// HTTPChecker calls an external checking service over HTTP. It is the
// production Checker: the worker loop never contains check logic itself.
type HTTPChecker struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures an HTTPChecker.
type Option func(*HTTPChecker)

// WithHTTPClient overrides the default http.Client, e.g. to tune transport
// pooling or inject a test round tripper.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPChecker) {
		c.httpClient = client
	}
}

// NewHTTPChecker builds a checker against baseURL with the given request
// timeout as the client's default.
func NewHTTPChecker(baseURL string, timeout time.Duration, opts ...Option) *HTTPChecker {
	c := &HTTPChecker{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type checkRequestBody struct {
	Snippets []asyncjobs.Snippet `json:"snippets"`
	Timeout  float64             `json:"timeout"`
	Debug    bool                `json:"debug"`
	Reuse    bool                `json:"reuse"`
	Infotree *asyncjobs.Infotree `json:"infotree,omitempty"`
}

type checkResponseBody struct {
	Results []asyncjobs.ReplResponse `json:"results"`
}

// Check POSTs a single-snippet check request and unwraps its one result.
// Non-2xx responses become a *CheckerError carrying the status code, which is
// how the worker loop tells transient failures from permanent ones.
func (c *HTTPChecker) Check(ctx context.Context, snippet asyncjobs.Snippet, timeout float64, debug, reuse bool, infotree *asyncjobs.Infotree) (asyncjobs.ReplResponse, error) {
	body := checkRequestBody{
		Snippets: []asyncjobs.Snippet{snippet},
		Timeout:  timeout,
		Debug:    debug,
		Reuse:    reuse,
		Infotree: infotree,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return asyncjobs.ReplResponse{}, fmt.Errorf("encode check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/check", bytes.NewReader(encoded))
	if err != nil {
		return asyncjobs.ReplResponse{}, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return asyncjobs.ReplResponse{}, fmt.Errorf("call checker: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return asyncjobs.ReplResponse{}, fmt.Errorf("read checker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return asyncjobs.ReplResponse{}, &CheckerError{StatusCode: resp.StatusCode, Detail: string(raw)}
	}

	var parsed checkResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return asyncjobs.ReplResponse{}, fmt.Errorf("decode checker response: %w", err)
	}
	if len(parsed.Results) != 1 {
		return asyncjobs.ReplResponse{}, fmt.Errorf("checker returned %d results for a single-snippet request", len(parsed.Results))
	}
	return parsed.Results[0], nil
}

var _ Checker = (*HTTPChecker)(nil)
