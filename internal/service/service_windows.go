//go:build windows

package service

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func installWindows(cfg Config, out io.Writer) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w (run as administrator)", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(cfg.Name); err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", cfg.Name)
	}

	s, err := m.CreateService(cfg.Name, cfg.BinaryPath, mgr.Config{
		DisplayName: "YumeBox",
		Description: cfg.Description,
		StartType:   mgr.StartAutomatic,
	}, "run", "-c", cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer s.Close()

	err = s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
	}, uint32((24 * time.Hour).Seconds()))
	if err != nil {
		return fmt.Errorf("set recovery actions: %w", err)
	}

	fmt.Fprintf(out, "Service installed: %s\n", cfg.Name)
	fmt.Fprintf(out, "Start with: sc start %s\n", cfg.Name)
	return nil
}

func uninstallWindows(cfg Config, out io.Writer) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w (run as administrator)", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(cfg.Name)
	if err != nil {
		return fmt.Errorf("service %s is not installed", cfg.Name)
	}
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
		return fmt.Errorf("stop service: %w", err)
	}
	if err := s.Delete(); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}

	fmt.Fprintf(out, "Service uninstalled: %s\n", cfg.Name)
	return nil
}

func statusWindows(cfg Config) (string, error) {
	m, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(cfg.Name)
	if err != nil {
		return "not installed", nil
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return "", fmt.Errorf("query service: %w", err)
	}
	switch status.State {
	case svc.Running:
		return "installed (running)", nil
	case svc.Stopped:
		return "installed (stopped)", nil
	case svc.StartPending:
		return "installed (starting)", nil
	case svc.StopPending:
		return "installed (stopping)", nil
	}
	return "installed", nil
}
