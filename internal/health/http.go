package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ConnectivityChecker fetches a test URL through the core's HTTP inbound,
// proving the selected chain actually carries traffic.
type ConnectivityChecker struct {
	testURL string
	client  *http.Client
}

// NewConnectivityChecker creates a checker that proxies through proxyAddr
// ("127.0.0.1:7890"). An empty proxyAddr fetches directly.
func NewConnectivityChecker(proxyAddr, testURL string, timeout time.Duration) *ConnectivityChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	transport := &http.Transport{DisableKeepAlives: true}
	if proxyAddr != "" {
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr})
	}

	return &ConnectivityChecker{
		testURL: testURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Check performs the request. 2xx and 3xx count as healthy.
func (c *ConnectivityChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.testURL, nil)
	if err != nil {
		return failed(start, err, "failed to create request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return failed(start, err, "request through core failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return passed(start, msg)
	}
	return failed(start, fmt.Errorf("unhealthy status code: %d", resp.StatusCode), msg)
}

// Type returns the checker type.
func (c *ConnectivityChecker) Type() string {
	return "connectivity"
}
