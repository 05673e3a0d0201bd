// Package core talks to the proxy core over its RESTful external controller.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/util"
)

// Default delay test parameters, matching the core's own defaults.
const (
	DefaultTestURL     = "https://www.gstatic.com/generate_204"
	DefaultTestTimeout = 5 * time.Second
)

// APIError is a non-2xx reply from the controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("core api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("core api: %d %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes onto the shared sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return util.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return util.ErrAuthFailed
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return util.ErrTimeout
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// Controller is the external-controller address, "127.0.0.1:9090" or a full URL.
	Controller  string
	Secret      string
	Timeout     time.Duration
	TestURL     string
	TestTimeout time.Duration
	// Concurrency bounds HealthCheckAll and other fan-out calls.
	Concurrency int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client is a controller client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	secret      string
	http        *http.Client
	stream      *http.Client
	testURL     string
	testTimeout time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewClient creates a controller client.
func NewClient(opts Options) (*Client, error) {
	base, err := util.ControllerURL(opts.Controller)
	if err != nil {
		return nil, err
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.TestURL == "" {
		opts.TestURL = DefaultTestURL
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("core-client")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	// Streaming endpoints never finish on their own; they end with the context.
	stream := &http.Client{Transport: httpClient.Transport}

	return &Client{
		baseURL:     base,
		secret:      opts.Secret,
		http:        httpClient,
		stream:      stream,
		testURL:     opts.TestURL,
		testTimeout: opts.TestTimeout,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// BaseURL returns the controller base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TestURL returns the URL used for delay tests.
func (c *Client) TestURL() string {
	return c.testURL
}

// Version returns the core version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
		Meta    bool   `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		c.logger.Debug("controller request failed", "method", method, "path", path, "error", err)
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func transportError(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	return fmt.Errorf("%s %s: %w: %w", method, path, util.ErrNotConnected, err)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		apiErr.Message = msg.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// escape encodes a proxy or group name as a single path segment.
func escape(name string) string {
	return url.PathEscape(name)
}

// IsTimeoutStatus reports whether err is a delay test that the core gave up on.
func IsTimeoutStatus(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
