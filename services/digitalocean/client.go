// Package digitalocean adapts the remote conversational engine (a DigitalOcean
// GenAI agent) and the durable archive tier (Spaces) behind the ports the
// session core consumes.
package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// BaseURL is the DigitalOcean API base URL
	BaseURL = "https://api.digitalocean.com"
	// DefaultTimeout is the default HTTP client timeout for regular API calls
	DefaultTimeout = 30 * time.Second
	// DefaultDialTimeout is the timeout for establishing TCP connections
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSTimeout is the timeout for TLS handshake
	DefaultTLSTimeout = 10 * time.Second
	// DefaultHeaderTimeout is the timeout for waiting for response headers
	DefaultHeaderTimeout = 30 * time.Second
	// DefaultIdleTimeout is the timeout for idle connections
	DefaultIdleTimeout = 90 * time.Second
)

// Client handles DigitalOcean control-plane API interactions: agent access
// tokens and health checks. Data-plane chat traffic goes through
// AgentChatClient, which shares this client's streaming transport.
type Client struct {
	apiToken        string
	baseURL         string
	httpClient      *http.Client // For regular API calls
	streamingClient *http.Client // For streaming requests (no client-level timeout)
	log             zerolog.Logger
}

// Config holds configuration for the DigitalOcean client
type Config struct {
	APIToken string
	Timeout  time.Duration
	BaseURL  string
	Logger   zerolog.Logger
}

// NewClient creates a new DigitalOcean API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	// Streaming transport: timeouts cover connection establishment only.
	// A client-level timeout would kill long-running SSE streams.
	streamingTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultIdleTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSTimeout,
		ResponseHeaderTimeout: DefaultHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}

	return &Client{
		apiToken: config.APIToken,
		baseURL:  config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		streamingClient: &http.Client{
			Transport: streamingTransport,
		},
		log: config.Logger.With().Str("component", "do_client").Logger(),
	}
}

// GetStreamingClient returns the streaming HTTP client (for use in streaming methods)
func (c *Client) GetStreamingClient() *http.Client {
	return c.streamingClient
}

// IsRetryableStatusCode checks if an HTTP status code should trigger a retry
// Retryable codes: 408 (Timeout), 409 (Conflict), 429 (Rate Limit), 5xx (Server errors)
func IsRetryableStatusCode(statusCode int) bool {
	return statusCode == 408 || statusCode == 409 || statusCode == 429 || statusCode >= 500
}

// ParseRetryAfter extracts the retry-after header value from a response
// Returns 0 if the header is not present or cannot be parsed
func ParseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try parsing as seconds (most common)
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP date
	if t, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			return duration
		}
	}

	return 0
}

// doRequest performs an HTTP request to the DigitalOcean API
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Perform request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Int("status", resp.StatusCode).Str("endpoint", endpoint).
			Bytes("body", respBody).Msg("control-plane request failed")

		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// APIError represents a DigitalOcean API error response
type APIError struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("DigitalOcean API error: %s (request_id: %s)", e.Message, e.RequestID)
}

// HealthCheck verifies the client can connect to DigitalOcean API
func (c *Client) HealthCheck(ctx context.Context) error {
	// Try to list regions as a simple health check
	endpoint := "/v2/gen-ai/regions"
	var result struct {
		Regions []interface{} `json:"regions"`
	}

	return c.doRequest(ctx, "GET", endpoint, nil, &result)
}
