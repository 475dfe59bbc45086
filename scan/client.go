package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the external dependency-vulnerability monitoring service.
type Client struct {
	endpoint string
	token    string
	org      string
	http     *http.Client
}

// NewClient creates a client for the monitoring service API.
func NewClient(endpoint, token, org string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		org:      org,
		http: &http.Client{
			Timeout: 120 * time.Second, // Scans of large dependency trees are slow
		},
	}
}

// TestRequest submits one dependency manifest for scanning.
type TestRequest struct {
	Manifest       string // Manifest file name, e.g. "setup.py"
	Contents       []byte // Manifest contents
	ProjectName    string // Project the result is recorded under
	PackageManager string // e.g. "pip"
}

// TestResult is the service's verdict for one manifest.
type TestResult struct {
	OK         bool
	IssueCount int
	Summary    string
}

type testPayload struct {
	ProjectName string                `json:"projectName"`
	TargetFile  string                `json:"targetFile"`
	Encoding    string                `json:"encoding"`
	Files       map[string]fileUpload `json:"files"`
}

type fileUpload struct {
	Contents string `json:"contents"`
}

type testResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Summary string `json:"summary"`
	Issues  struct {
		Vulnerabilities []struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Severity string `json:"severity"`
		} `json:"vulnerabilities"`
	} `json:"issues"`
}

// Test submits a manifest to the monitoring service and returns its verdict.
// Submissions are idempotent on the service side: re-testing the same
// manifest under the same project name records the same snapshot.
func (c *Client) Test(ctx context.Context, req TestRequest) (*TestResult, error) {
	if c.token == "" {
		return nil, fmt.Errorf("monitoring service token is not configured")
	}

	payload := testPayload{
		ProjectName: req.ProjectName,
		TargetFile:  req.Manifest,
		Encoding:    "plain",
		Files: map[string]fileUpload{
			"target": {Contents: string(req.Contents)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan request: %w", err)
	}

	target := fmt.Sprintf("%s/v1/test/%s?org=%s", c.endpoint, req.PackageManager, url.QueryEscape(c.org))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build scan request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "token "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("unable to reach the monitoring service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("monitoring service rejected the token")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("monitoring service returned %d for %s", resp.StatusCode, req.Manifest)
	}

	var parsed testResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode scan response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("monitoring service error: %s", parsed.Error)
	}

	return &TestResult{
		OK:         parsed.OK,
		IssueCount: len(parsed.Issues.Vulnerabilities),
		Summary:    parsed.Summary,
	}, nil
}
