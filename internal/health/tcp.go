package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker checks that the core's inbound listener accepts connections.
type TCPChecker struct {
	target  string
	timeout time.Duration
}

// NewTCPChecker creates a checker dialing target, e.g. "127.0.0.1:7890".
func NewTCPChecker(target string, timeout time.Duration) *TCPChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &TCPChecker{
		target:  target,
		timeout: timeout,
	}
}

// Check performs a TCP health check.
func (c *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{
		Timeout: c.timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return failed(start, err, "listener not accepting")
	}
	conn.Close()

	return passed(start, "listener accepting")
}

// Type returns the checker type.
func (c *TCPChecker) Type() string {
	return "tcp"
}
