package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
)

// Target is something the watchdog can restart.
type Target interface {
	// ShouldRun reports whether the user wants the core up.
	ShouldRun() bool
	Restart(ctx context.Context) error
}

// Watchdog restarts the core after FailureThreshold consecutive failed
// checks while it is supposed to be running. Use Observe as a Manager callback.
type Watchdog struct {
	target     Target
	threshold  int
	timeout    time.Duration
	onRestart  func(err error)
	logger     *slog.Logger
	mu         sync.Mutex
	failures   int
	restarting bool
	wg         sync.WaitGroup
}

// NewWatchdog creates a watchdog. onRestart, if set, is called after every restart attempt.
func NewWatchdog(target Target, threshold int, onRestart func(error)) *Watchdog {
	if threshold < 1 {
		threshold = 1
	}
	return &Watchdog{
		target:    target,
		threshold: threshold,
		timeout:   time.Minute,
		onRestart: onRestart,
		logger:    logging.WithComponent("watchdog"),
	}
}

// Observe records a check result and triggers a restart when due.
func (w *Watchdog) Observe(name string, result Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if result.Healthy || !w.target.ShouldRun() {
		w.failures = 0
		return
	}
	if w.restarting {
		return
	}

	w.failures++
	w.logger.Warn("core health check failed", "check", name, "failures", w.failures, "threshold", w.threshold, "error", result.Error)
	if w.failures < w.threshold {
		return
	}

	w.failures = 0
	w.restarting = true
	w.wg.Add(1)
	go w.restart()
}

func (w *Watchdog) restart() {
	defer w.wg.Done()

	w.logger.Warn("restarting core")
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	err := w.target.Restart(ctx)
	cancel()

	if err != nil {
		w.logger.Error("core restart failed", "error", err)
	} else {
		w.logger.Info("core restarted")
	}

	w.mu.Lock()
	w.restarting = false
	w.mu.Unlock()

	if w.onRestart != nil {
		w.onRestart(err)
	}
}

// Failures returns the current consecutive failure count.
func (w *Watchdog) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// Wait blocks until an in-flight restart finishes.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}
