package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/util"
)

// ErrCheckNotFound is returned for an unknown check name.
var ErrCheckNotFound = fmt.Errorf("health check %w", util.ErrNotFound)

// Manager runs named health checks on their own tickers.
type Manager struct {
	checks  map[string]*managedCheck
	mu      sync.RWMutex
	ctx     context.Context
	done    chan struct{}
	running bool
	logger  *slog.Logger
}

type managedCheck struct {
	name     string
	checker  Checker
	interval time.Duration
	result   Result
	callback func(name string, result Result)
	stop     chan struct{}
	mu       sync.RWMutex
}

// NewManager creates a new health check manager.
func NewManager() *Manager {
	return &Manager{
		checks: make(map[string]*managedCheck),
		done:   make(chan struct{}),
		logger: logging.WithComponent("health"),
	}
}

// Register registers a health check, replacing any check with the same
// name. Checks registered while the manager runs start immediately.
func (m *Manager) Register(name string, checker Checker, interval time.Duration, callback func(string, Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if interval == 0 {
		interval = 30 * time.Second
	}

	if old, ok := m.checks[name]; ok {
		close(old.stop)
	}

	check := &managedCheck{
		name:     name,
		checker:  checker,
		interval: interval,
		callback: callback,
		stop:     make(chan struct{}),
	}
	m.checks[name] = check

	if m.running {
		go m.runCheck(m.ctx, m.done, check)
	}
}

// Start starts the health check manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.ctx = ctx
	m.done = make(chan struct{})

	for _, check := range m.checks {
		go m.runCheck(ctx, m.done, check)
	}
	return nil
}

// Stop stops the health check manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.done)
	m.running = false
}

// runCheck runs a single health check periodically.
func (m *Manager) runCheck(ctx context.Context, done <-chan struct{}, check *managedCheck) {
	m.performCheck(ctx, check)

	ticker := time.NewTicker(check.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-check.stop:
			return
		case <-ticker.C:
			m.performCheck(ctx, check)
		}
	}
}

// performCheck performs a single health check.
func (m *Manager) performCheck(ctx context.Context, check *managedCheck) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := check.checker.Check(checkCtx)

	check.mu.Lock()
	prev := check.result
	check.result = result
	check.mu.Unlock()

	if !prev.Timestamp.IsZero() && prev.Healthy != result.Healthy {
		m.logger.Info("health changed", "check", check.name, "healthy", result.Healthy, "message", result.Message)
	}

	if check.callback != nil {
		check.callback(check.name, result)
	}
}

// GetAllResults returns the latest result of every check. Checks that
// have not run yet report a zero Result.
func (m *Manager) GetAllResults() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]Result)
	for name, check := range m.checks {
		check.mu.RLock()
		results[name] = check.result
		check.mu.RUnlock()
	}

	return results
}

// IsHealthy returns true if all health checks are passing.
func (m *Manager) IsHealthy() bool {
	results := m.GetAllResults()
	for _, result := range results {
		if !result.Healthy {
			return false
		}
	}
	return true
}

// CheckNow runs one check immediately and stores its result.
func (m *Manager) CheckNow(ctx context.Context, name string) (Result, error) {
	m.mu.RLock()
	check, exists := m.checks[name]
	m.mu.RUnlock()

	if !exists {
		return Result{}, ErrCheckNotFound
	}

	m.performCheck(ctx, check)

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.result, nil
}
