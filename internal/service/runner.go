package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
)

// ShutdownTimeout bounds Runner.Stop after a shutdown request.
const ShutdownTimeout = 30 * time.Second

// Runner is a long running daemon.
type Runner interface {
	// Start brings the daemon up and returns; ctx ends when it must stop.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader is a Runner that can re-read its configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Run starts runner and blocks until the process is asked to stop.
// On Windows it talks to the service control manager when started by it.
func Run(name string, runner Runner) error {
	return run(name, runner)
}

// serve starts runner and handles signals until a shutdown signal arrives
// or ctx ends.
func serve(ctx context.Context, runner Runner, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.WithComponent("service")
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Context done, stopping")
			return stopRunner(runner)
		case sig := <-signals:
			if !isReloadSignal(sig) {
				log.Info("Received shutdown signal", "signal", sig.String())
				cancel()
				return stopRunner(runner)
			}

			reloader, ok := runner.(Reloader)
			if !ok {
				log.Info("Reload requested but not supported", "signal", sig.String())
				continue
			}
			log.Info("Reloading configuration", "signal", sig.String())
			if err := reloader.Reload(ctx); err != nil {
				log.Error("Reload failed", "error", err)
			}
		}
	}
}

func stopRunner(runner Runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return runner.Stop(ctx)
}
