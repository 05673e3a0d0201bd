package health

import (
	"context"
	"time"
)

// Pinger reports the version of a reachable core. *core.Client implements it.
type Pinger interface {
	Version(ctx context.Context) (string, error)
}

// ControllerChecker checks that the core's external controller answers.
type ControllerChecker struct {
	pinger Pinger
}

// NewControllerChecker creates a checker backed by pinger.
func NewControllerChecker(pinger Pinger) *ControllerChecker {
	return &ControllerChecker{pinger: pinger}
}

// Check calls the controller's version endpoint.
func (c *ControllerChecker) Check(ctx context.Context) Result {
	start := time.Now()
	version, err := c.pinger.Version(ctx)
	if err != nil {
		return failed(start, err, "controller unreachable")
	}
	return passed(start, "core "+version)
}

// Type returns the checker type.
func (c *ControllerChecker) Type() string {
	return "controller"
}
