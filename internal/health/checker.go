// Package health checks that the proxy core is alive and carrying traffic,
// and restarts it when it stops answering.
package health

import (
	"context"
	"time"
)

// Checker is the interface for health checkers.
type Checker interface {
	// Check performs a health check and returns the result.
	Check(ctx context.Context) Result

	// Type returns the health check type.
	Type() string
}

// Result represents the result of a health check.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

func failed(start time.Time, err error, msg string) Result {
	return Result{
		Healthy:   false,
		Message:   msg,
		Error:     err.Error(),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}

func passed(start time.Time, msg string) Result {
	return Result{
		Healthy:   true,
		Message:   msg,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}
