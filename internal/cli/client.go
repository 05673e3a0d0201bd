// Package cli provides the ctl commands that control a running YumeBox
// daemon through its REST API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// APIClient is a client for the daemon REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer
}

// NewAPIClient creates a new API client writing to stdout.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// Profile downloads and health checks are slow.
		Client: &http.Client{Timeout: 2 * time.Minute},
		Out:    os.Stdout,
	}
}

func (c *APIClient) doRequest(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.Client.Do(req)
}

// call sends body and decodes a 2xx reply into out, if set.
func (c *APIClient) call(method, path string, body, out any) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("API error: %s - %s", resp.Status, e.Error)
		}
		return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) getJSON(path string, v any) error {
	return c.call(http.MethodGet, path, nil, v)
}

func (c *APIClient) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}

func (c *APIClient) println(args ...any) {
	fmt.Fprintln(c.Out, args...)
}

// esc escapes a group, proxy or profile name for use in a path.
func esc(name string) string {
	return url.PathEscape(name)
}

func formatDelay(d int) string {
	switch {
	case d > 0:
		return fmt.Sprintf("%d ms", d)
	case d < 0:
		return "timeout"
	}
	return "-"
}
