// Package upstream fetches cumulative usage reports from the proxy
// management API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error kinds surfaced to the scheduler. Transient errors are retried on the
// next tick; parse errors are logged with the offending payload and skipped.
var (
	ErrTransient = errors.New("upstream: transient failure")
	ErrParse     = errors.New("upstream: malformed report")
)

const (
	usagePath      = "/v0/management/usage"
	defaultTimeout = 30 * time.Second
)

type Client struct {
	baseURL       string
	managementKey string
	httpClient    *http.Client
}

func NewClient(baseURL, managementKey string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		managementKey: strings.TrimSpace(managementKey),
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
}

// FetchReport retrieves the current cumulative usage report. The raw body is
// returned alongside the decoded report so the caller can persist it verbatim.
func (c *Client) FetchReport(ctx context.Context) (Report, []byte, error) {
	if c == nil || c.baseURL == "" {
		return Report{}, nil, fmt.Errorf("%w: no upstream URL configured", ErrTransient)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.baseURL+usagePath, nil)
	if err != nil {
		return Report{}, nil, fmt.Errorf("%w: build request: %v", ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.managementKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.managementKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Report{}, nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Report{}, nil, fmt.Errorf("%w: status %d from %s", ErrTransient, resp.StatusCode, usagePath)
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return Report{}, body, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := validateReport(report); err != nil {
		return Report{}, body, err
	}
	return report, body, nil
}

func validateReport(r Report) error {
	if r.TotalRequests < 0 || r.TotalTokens < 0 || r.SuccessCount < 0 || r.FailureCount < 0 {
		return fmt.Errorf("%w: negative cumulative counter", ErrParse)
	}
	for endpoint, api := range r.APIs {
		for model, usage := range api.Models {
			if usage.TotalRequests < 0 || usage.TotalTokens < 0 {
				return fmt.Errorf("%w: negative counter for %s/%s", ErrParse, endpoint, model)
			}
		}
	}
	return nil
}
