// Package service installs the YumeBox daemon as a system service and runs
// it under the platform's service manager.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// DefaultName is the service name used when Config.Name is empty.
const DefaultName = "yumebox"

// ErrUnsupported is returned on platforms without a known service manager.
var ErrUnsupported = errors.New("unsupported platform")

// Config describes the service to install.
type Config struct {
	Name        string
	Description string
	// BinaryPath is the daemon executable; it is started as "<bin> run -c <config>".
	BinaryPath string
	ConfigPath string
	WorkingDir string
	// UserLevel installs a per-user unit (systemd --user, LaunchAgents)
	// instead of a system one. TUN mode needs the system service.
	UserLevel bool
}

// Manager installs, removes and queries the service.
type Manager struct {
	config Config
	out    io.Writer
	goos   string
	home   string
}

// New creates a service manager. Paths are made absolute.
func New(cfg Config) (*Manager, error) {
	for _, p := range []*string{&cfg.BinaryPath, &cfg.ConfigPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", *p, err)
		}
		*p = abs
	}
	if cfg.BinaryPath == "" {
		return nil, errors.New("binary path is required")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.ConfigPath)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Description == "" {
		cfg.Description = "YumeBox proxy daemon"
	}

	home, _ := os.UserHomeDir()
	return &Manager{config: cfg, out: os.Stdout, goos: runtime.GOOS, home: home}, nil
}

// SetOutput sets where installation messages are written.
func (m *Manager) SetOutput(w io.Writer) {
	m.out = w
}

// Config returns the resolved configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Install installs and enables the service.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if _, err := os.Stat(m.config.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.config.ConfigPath)
	}

	switch m.goos {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	case "windows":
		return installWindows(m.config, m.out)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, m.goos)
}

// Uninstall stops and removes the service.
func (m *Manager) Uninstall() error {
	switch m.goos {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	case "windows":
		return uninstallWindows(m.config, m.out)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, m.goos)
}

// Status describes whether the service is installed and running.
func (m *Manager) Status() (string, error) {
	switch m.goos {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	case "windows":
		return statusWindows(m.config)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, m.goos)
}

// UnitPath returns where the unit or plist file is written.
func (m *Manager) UnitPath() string {
	switch m.goos {
	case "linux":
		if m.config.UserLevel {
			return filepath.Join(m.home, ".config", "systemd", "user", m.config.Name+".service")
		}
		return filepath.Join("/etc/systemd/system", m.config.Name+".service")
	case "darwin":
		label := launchdLabel(m.config.Name)
		if m.config.UserLevel {
			return filepath.Join(m.home, "Library", "LaunchAgents", label+".plist")
		}
		return filepath.Join("/Library/LaunchDaemons", label+".plist")
	}
	return ""
}

const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run -c {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
{{- if not .UserLevel}}
AmbientCapabilities=CAP_NET_ADMIN CAP_NET_BIND_SERVICE CAP_NET_RAW
CapabilityBoundingSet=CAP_NET_ADMIN CAP_NET_BIND_SERVICE CAP_NET_RAW
{{- end}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy={{if .UserLevel}}default.target{{else}}multi-user.target{{end}}
`

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>-c</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
    <key>StandardOutPath</key>
    <string>{{.WorkingDir}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.WorkingDir}}/{{.Name}}.log</string>
</dict>
</plist>
`

// Render returns the unit (Linux) or plist (macOS) for the service.
func (m *Manager) Render() (string, error) {
	var src string
	switch m.goos {
	case "linux":
		src = systemdTemplate
	case "darwin":
		src = launchdTemplate
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, m.goos)
	}

	tmpl, err := template.New(m.goos).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	data := struct {
		Config
		Label string
	}{m.config, launchdLabel(m.config.Name)}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

func launchdLabel(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "io.github.yumelira." + name
}

func (m *Manager) writeUnit() (string, error) {
	content, err := m.Render()
	if err != nil {
		return "", err
	}
	path := m.UnitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w (try running with sudo)", path, err)
	}
	return path, nil
}

func (m *Manager) systemctl(args ...string) *exec.Cmd {
	if m.config.UserLevel {
		args = append([]string{"--user"}, args...)
	}
	return exec.Command("systemctl", args...)
}

func (m *Manager) installSystemd() error {
	path, err := m.writeUnit()
	if err != nil {
		return err
	}
	if out, err := m.systemctl("daemon-reload").CombinedOutput(); err != nil {
		return fmt.Errorf("reload systemd: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if out, err := m.systemctl("enable", m.config.Name).CombinedOutput(); err != nil {
		return fmt.Errorf("enable service: %w: %s", err, strings.TrimSpace(string(out)))
	}

	fmt.Fprintf(m.out, "Service installed: %s\n", path)
	start := "sudo systemctl start " + m.config.Name
	if m.config.UserLevel {
		start = "systemctl --user start " + m.config.Name
	}
	fmt.Fprintf(m.out, "Start with: %s\n", start)
	return nil
}

func (m *Manager) uninstallSystemd() error {
	_ = m.systemctl("stop", m.config.Name).Run()
	_ = m.systemctl("disable", m.config.Name).Run()

	if err := os.Remove(m.UnitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = m.systemctl("daemon-reload").Run()

	fmt.Fprintf(m.out, "Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusSystemd() (string, error) {
	if _, err := os.Stat(m.UnitPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	out, err := m.systemctl("is-active", m.config.Name).Output()
	state := strings.TrimSpace(string(out))
	if err != nil && state == "" {
		state = "inactive"
	}
	return fmt.Sprintf("installed (%s)", state), nil
}

func (m *Manager) installLaunchd() error {
	path, err := m.writeUnit()
	if err != nil {
		return err
	}
	if out, err := exec.Command("launchctl", "load", "-w", path).CombinedOutput(); err != nil {
		return fmt.Errorf("load service: %w: %s", err, strings.TrimSpace(string(out)))
	}

	fmt.Fprintf(m.out, "Service installed: %s\n", path)
	return nil
}

func (m *Manager) uninstallLaunchd() error {
	path := m.UnitPath()
	_ = exec.Command("launchctl", "unload", "-w", path).Run()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Fprintf(m.out, "Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusLaunchd() (string, error) {
	if _, err := os.Stat(m.UnitPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	if err := exec.Command("launchctl", "list", launchdLabel(m.config.Name)).Run(); err != nil {
		return "installed (not running)", nil
	}
	return "installed (running)", nil
}
