package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/util"
)

type pingerFunc func(ctx context.Context) (string, error)

func (f pingerFunc) Version(ctx context.Context) (string, error) { return f(ctx) }

// markerPinger answers once the fake core has created *home/name, so the
// script is known to have run up to that point.
func markerPinger(home *string, name, version string) Pinger {
	return pingerFunc(func(context.Context) (string, error) {
		if _, err := os.Stat(filepath.Join(*home, name)); err != nil {
			return "", errDown
		}
		return version, nil
	})
}

func readyPinger(version string) Pinger {
	return pingerFunc(func(context.Context) (string, error) { return version, nil })
}

var errDown = errors.New("connection refused")

func downPinger() Pinger {
	return pingerFunc(func(context.Context) (string, error) { return "", errDown })
}

// fakeCore writes a shell script standing in for the core binary.
func fakeCore(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script cores need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "mihomo")
	script := "#!/bin/sh\necho \"$@\" > args.txt\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newTestProcess(t *testing.T, binary string, pinger Pinger, buf *bytes.Buffer) (*Process, string) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "core")
	var logger *slog.Logger
	if buf != nil {
		logger = slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	p := New(Options{
		Config: Config{
			Binary:       binary,
			HomeDir:      home,
			Controller:   "127.0.0.1:19090",
			Secret:       "s3cret",
			StartTimeout: 2 * time.Second,
			StopTimeout:  2 * time.Second,
		},
		Pinger: pinger,
		Logger: logger,
	})
	return p, home
}

func TestArgs(t *testing.T) {
	p := New(Options{Config: Config{Binary: "mihomo", HomeDir: "/data/core", Controller: "127.0.0.1:9090"}})
	assert.Equal(t, []string{"-d", "/data/core", "-f", "/p/config.yaml", "-ext-ctl", "127.0.0.1:9090"}, p.Args("/p/config.yaml"))

	p = New(Options{Config: Config{HomeDir: "h", Secret: "x", ExtraArgs: []string{"-m"}}})
	assert.Equal(t, []string{"-d", "h", "-f", "c", "-secret", "x", "-m"}, p.Args("c"))
}

func TestStartStop(t *testing.T) {
	var buf bytes.Buffer
	bin := fakeCore(t, `echo 'time="2024-01-01T00:00:00Z" level=warning msg="core booted"'
touch ready
exec sleep 30`)

	var home string
	var mu sync.Mutex
	var changes []State
	p, home := newTestProcess(t, bin, markerPinger(&home, "ready", "v1.19.0"), &buf)
	p.onChange = func(s State) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}

	require.NoError(t, p.Start(context.Background(), "/profiles/a/config.yaml"))
	assert.Equal(t, StateRunning, p.State())
	assert.True(t, p.IsRunning())

	status := p.Status()
	assert.Equal(t, "v1.19.0", status.Version)
	assert.NotZero(t, status.PID)
	assert.Equal(t, "/profiles/a/config.yaml", status.ConfigPath)

	assert.ErrorIs(t, p.Start(context.Background(), "/other.yaml"), ErrAlreadyRunning)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	mu.Lock()
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, changes)
	mu.Unlock()

	args, err := os.ReadFile(filepath.Join(home, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "-f /profiles/a/config.yaml")
	assert.Contains(t, string(args), "-ext-ctl 127.0.0.1:19090")
	assert.Contains(t, string(args), "-secret s3cret")

	assert.Contains(t, buf.String(), "core booted")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestStopWhenStopped(t *testing.T) {
	p := New(Options{})
	assert.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
}

func TestStartExitsEarly(t *testing.T) {
	bin := fakeCore(t, "exit 3")
	p, _ := newTestProcess(t, bin, downPinger(), nil)

	err := p.Start(context.Background(), "/cfg.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Equal(t, StateStopped, p.State())
	assert.NotEmpty(t, p.Status().LastError)
}

func TestStartTimeout(t *testing.T) {
	bin := fakeCore(t, "exec sleep 30")
	p, _ := newTestProcess(t, bin, downPinger(), nil)
	p.cfg.StartTimeout = 300 * time.Millisecond

	err := p.Start(context.Background(), "/cfg.yaml")
	require.Error(t, err)
	assert.True(t, util.IsTimeout(err))
	assert.Equal(t, StateStopped, p.State())
}

func TestMissingBinary(t *testing.T) {
	p, _ := newTestProcess(t, filepath.Join(t.TempDir(), "does-not-exist"), readyPinger("v"), nil)
	err := p.Start(context.Background(), "/cfg.yaml")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "start core"))
	assert.Equal(t, StateStopped, p.State())
}

func TestRestart(t *testing.T) {
	bin := fakeCore(t, "exec sleep 30")
	var pings atomic.Int32
	pinger := pingerFunc(func(context.Context) (string, error) {
		pings.Add(1)
		return "v1", nil
	})
	p, _ := newTestProcess(t, bin, pinger, nil)

	assert.ErrorIs(t, p.Restart(context.Background()), util.ErrNotRunning)

	require.NoError(t, p.Start(context.Background(), "/cfg.yaml"))
	firstPID := p.Status().PID

	require.NoError(t, p.Restart(context.Background()))
	defer p.Stop(context.Background())

	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 1, p.Status().Restarts)
	assert.NotEqual(t, firstPID, p.Status().PID)
	assert.Equal(t, "/cfg.yaml", p.Status().ConfigPath)
	assert.GreaterOrEqual(t, pings.Load(), int32(2))
}

func TestUnexpectedExit(t *testing.T) {
	var buf bytes.Buffer
	bin := fakeCore(t, "sleep 0.3; exit 1")
	p, _ := newTestProcess(t, bin, readyPinger("v"), &buf)

	require.NoError(t, p.Start(context.Background(), "/cfg.yaml"))

	require.Eventually(t, func() bool {
		return p.State() == StateStopped
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, buf.String(), "core exited unexpectedly")
}

func TestStateChanDoesNotBlock(t *testing.T) {
	p := New(Options{})
	p.mu.Lock()
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			p.setState(StateStarting)
		} else {
			p.setState(StateStopped)
		}
	}
	p.mu.Unlock()

	assert.Len(t, p.StateChan(), cap(p.stateCh))
}
