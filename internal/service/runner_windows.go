//go:build windows

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/yumelira/yumebox-go/internal/logging"
)

func run(name string, runner Runner) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		logging.WithComponent("service").Warn("Cannot detect service mode, assuming interactive", "error", err)
	}
	if isService {
		return svc.Run(name, &serviceHandler{runner: runner})
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	return serve(context.Background(), runner, signals)
}

// Windows has no reload signal; use "yumebox ctl reload" instead.
func isReloadSignal(os.Signal) bool {
	return false
}

type serviceHandler struct {
	runner Runner
}

func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange

	log := logging.WithComponent("service")
	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		log.Error("Failed to start service", "error", err)
		return true, 1
	}
	s <- svc.Status{State: svc.Running, Accepts: accepted}

	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			s <- c.CurrentStatus
		case svc.ParamChange:
			if reloader, ok := h.runner.(Reloader); ok {
				if err := reloader.Reload(ctx); err != nil {
					log.Error("Reload failed", "error", err)
				}
			}
		case svc.Stop, svc.Shutdown:
			log.Info("Service stopping")
			s <- svc.Status{State: svc.StopPending}
			cancel()
			if err := stopRunner(h.runner); err != nil {
				log.Error("Error stopping service", "error", err)
			}
			return false, 0
		default:
			log.Warn("Unexpected service control request", "cmd", c.Cmd)
		}
	}
	return false, 0
}
