//go:build !windows

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func run(_ string, runner Runner) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	return serve(context.Background(), runner, signals)
}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}
