// Package engine supervises the proxy core process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/util"
)

// State is the lifecycle state of the core process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrAlreadyRunning is returned by Start while a core process exists.
var ErrAlreadyRunning = errors.New("core already running")

// Pinger reports the version of a reachable core. *core.Client implements it.
type Pinger interface {
	Version(ctx context.Context) (string, error)
}

// Config describes how to launch the core.
type Config struct {
	Binary       string
	HomeDir      string
	Controller   string // host:port passed to -ext-ctl
	Secret       string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	ExtraArgs    []string
}

// Options configures a Process.
type Options struct {
	Config Config
	Pinger Pinger
	Logger *slog.Logger
	// OnStateChange is called with the lock held; it must not call back into the Process.
	OnStateChange func(State)
}

// Process manages one core process at a time.
type Process struct {
	cfg      Config
	pinger   Pinger
	logger   *slog.Logger
	onChange func(State)

	mu         sync.RWMutex
	cmd        *exec.Cmd
	output     *logging.CoreWriter
	state      State
	configPath string
	version    string
	startedAt  time.Time
	exitErr    error
	restarts   int
	waitDone   chan struct{}
	stateCh    chan State
}

// New creates a process manager. The core is not started.
func New(opts Options) *Process {
	cfg := opts.Config
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("engine")
	}
	return &Process{
		cfg:      cfg,
		pinger:   opts.Pinger,
		logger:   logger,
		onChange: opts.OnStateChange,
		state:    StateStopped,
		stateCh:  make(chan State, 10),
	}
}

// Args returns the core command line for configPath.
func (p *Process) Args(configPath string) []string {
	args := []string{"-d", p.cfg.HomeDir, "-f", configPath}
	if p.cfg.Controller != "" {
		args = append(args, "-ext-ctl", p.cfg.Controller)
	}
	if p.cfg.Secret != "" {
		args = append(args, "-secret", p.cfg.Secret)
	}
	return append(args, p.cfg.ExtraArgs...)
}

// Start launches the core with configPath and waits until its controller
// answers. ctx bounds only the startup wait, not the process lifetime.
func (p *Process) Start(ctx context.Context, configPath string) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(p.cfg.HomeDir, 0755); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create core home: %w", err)
	}

	output := logging.NewCoreWriter(p.logger.With("source", "core"))
	cmd := exec.Command(p.cfg.Binary, p.Args(configPath)...)
	cmd.Dir = p.cfg.HomeDir
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start core: %w", err)
	}

	waitDone := make(chan struct{})
	p.cmd = cmd
	p.output = output
	p.configPath = configPath
	p.waitDone = waitDone
	p.exitErr = nil
	p.version = ""
	p.setState(StateStarting)
	p.mu.Unlock()

	p.logger.Info("core process started", "pid", cmd.Process.Pid, "config", configPath)

	go p.wait(cmd, output, waitDone)

	version, err := p.waitReady(ctx, waitDone)
	if err != nil {
		p.logger.Error("core did not become ready", "error", err)
		_ = p.Stop(context.Background())
		return err
	}

	p.mu.Lock()
	if p.cmd == cmd && p.state == StateStarting {
		p.version = version
		p.startedAt = time.Now()
		p.setState(StateRunning)
	}
	p.mu.Unlock()

	p.logger.Info("core ready", "version", version)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, output *logging.CoreWriter, done chan struct{}) {
	err := cmd.Wait()
	output.Flush()

	p.mu.Lock()
	if p.cmd == cmd {
		if p.state != StateStopping {
			p.logger.Warn("core exited unexpectedly", "error", err)
		}
		p.exitErr = err
		p.cmd = nil
		p.setState(StateStopped)
	}
	p.mu.Unlock()
	close(done)
}

func (p *Process) waitReady(ctx context.Context, exited <-chan struct{}) (string, error) {
	if p.pinger == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
		version, err := p.pinger.Version(pingCtx)
		pingCancel()
		if err == nil {
			return version, nil
		}
		lastErr = err

		select {
		case <-exited:
			p.mu.RLock()
			exitErr := p.exitErr
			p.mu.RUnlock()
			return "", fmt.Errorf("core exited during startup: %v", exitErr)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: controller not ready after %s: %v", util.ErrTimeout, p.cfg.StartTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Stop terminates the core, killing it if it outlives the stop timeout or ctx.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.waitDone
	if cmd == nil || cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	p.setState(StateStopping)
	p.mu.Unlock()

	if err := terminate(cmd.Process); err != nil {
		p.logger.Debug("graceful stop failed, killing core", "error", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("core did not exit in time, killing", "timeout", p.cfg.StopTimeout)
		_ = cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
	}

	p.logger.Info("core process stopped")
	return nil
}

// Restart stops the core and starts it again with the same profile.
func (p *Process) Restart(ctx context.Context) error {
	p.mu.RLock()
	path := p.configPath
	p.mu.RUnlock()
	if path == "" {
		return util.WrapError(util.ErrNotRunning, "restart")
	}

	if err := p.Stop(ctx); err != nil {
		return err
	}
	if err := p.Start(ctx, path); err != nil {
		return err
	}

	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return nil
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsRunning reports whether the core is up and answering.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// StateChan returns a channel of state changes. Changes are dropped when nobody reads.
func (p *Process) StateChan() <-chan State {
	return p.stateCh
}

// Status is a point-in-time view of the process.
type Status struct {
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	Version    string    `json:"version,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Restarts   int       `json:"restarts"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status returns the current process status.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		State:      p.state,
		ConfigPath: p.configPath,
		Version:    p.version,
		Restarts:   p.restarts,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		s.PID = p.cmd.Process.Pid
	}
	if p.state == StateRunning {
		s.StartedAt = p.startedAt
	}
	if p.exitErr != nil {
		s.LastError = p.exitErr.Error()
	}
	return s
}

// setState must be called with p.mu held.
func (p *Process) setState(state State) {
	if p.state == state {
		return
	}
	p.state = state
	select {
	case p.stateCh <- state:
	default:
	}
	if p.onChange != nil {
		p.onChange(state)
	}
}
