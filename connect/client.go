// Package connect is a minimal client for the publishing server's HTTP API.
// The harness uses it to judge deep readiness of the license-gated server
// (settings reachable, admin key valid) and to inspect content created by
// integration runs.
package connect

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiPrefix is appended to the server URL for all API calls.
const apiPrefix = "__api__"

// codeInvalidAPIKey is the server's error code for a bad API key.
const codeInvalidAPIKey = 30

// Server encapsulates the information needed to interact with an instance of
// the publishing server.
type Server struct {
	URL      string
	APIKey   string
	Insecure bool   // Skip TLS host/certificate validation
	CAData   []byte // Optional PEM bundle of CA certificates to trust
}

// APIError is an error reported by the publishing server itself, either as an
// embedded error payload or as an unexpected HTTP status.
type APIError struct {
	Status  int    // HTTP status, 0 when the body carried the error
	Reason  string // HTTP status text
	Message string // Server-reported error message
	Code    int    // Server-reported error code
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("the publishing server reported an error: %s", e.Message)
	}
	return fmt.Sprintf("received an unexpected response from the publishing server: %d %s", e.Status, e.Reason)
}

// Client talks to one publishing server.
type Client struct {
	server Server
	base   string
	http   *http.Client
}

// NewClient creates a client for the given server. The timeout covers each
// individual API call.
func NewClient(server Server, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(server.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", server.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", server.URL)
	}

	transport := &http.Transport{}
	if server.Insecure || len(server.CAData) > 0 {
		tlsConfig := &tls.Config{InsecureSkipVerify: server.Insecure}
		if len(server.CAData) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(server.CAData) {
				return nil, fmt.Errorf("no certificates found in CA data")
			}
			tlsConfig.RootCAs = pool
		}
		transport.TLSClientConfig = tlsConfig
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		server: server,
		base:   strings.TrimRight(server.URL, "/") + "/" + apiPrefix,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// get performs a GET request against an API path and decodes the response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// post performs a POST request with a JSON body against an API path.
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	target := c.base + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.server.APIKey != "" {
		req.Header.Set("Authorization", "Key "+c.server.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", c.server.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", c.server.URL, err)
	}

	// The server reports failures as an embedded error payload; sometimes an
	// intermediary answers with a friendly HTML page instead of JSON, which
	// the status check below catches.
	var probe struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if len(data) > 0 && json.Unmarshal(data, &probe) == nil && probe.Error != "" {
		return &APIError{Message: probe.Error, Code: probe.Code}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", c.server.URL, err)
		}
	}
	return nil
}

// User describes the account an API key belongs to.
type User struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Me returns the user the configured API key authenticates as.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ServerSettings returns the server's settings document.
func (c *Client) ServerSettings(ctx context.Context) (map[string]interface{}, error) {
	var settings map[string]interface{}
	if err := c.get(ctx, "server_settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// PythonSettings returns information about the Python versions installed on
// the server.
func (c *Client) PythonSettings(ctx context.Context) (map[string]interface{}, error) {
	var settings map[string]interface{}
	if err := c.get(ctx, "v1/server_settings/python", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// VerifyServer verifies that the server is reachable, active, and actually
// running the publishing software. On success it returns the server settings.
func (c *Client) VerifyServer(ctx context.Context) (map[string]interface{}, error) {
	settings, err := c.ServerSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("server verification failed: %w", err)
	}
	return settings, nil
}

// VerifyAPIKey verifies that the configured API key authenticates with the
// server and returns the username it belongs to.
func (c *Client) VerifyAPIKey(ctx context.Context) (string, error) {
	user, err := c.Me(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeInvalidAPIKey {
			return "", fmt.Errorf("the specified API key is not valid")
		}
		return "", fmt.Errorf("could not verify the API key: %w", err)
	}
	return user.Username, nil
}
