package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yumelira/yumebox-go/internal/core"
)

// DisplayMode controls how the proxy list is laid out by clients.
type DisplayMode string

const (
	DisplaySingleDetailed DisplayMode = "single-detailed"
	DisplaySingleSimple   DisplayMode = "single-simple"
	DisplayDoubleDetailed DisplayMode = "double-detailed"
	DisplayDoubleSimple   DisplayMode = "double-simple"
)

// ParseDisplayMode parses a display mode name.
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch m := DisplayMode(strings.ToLower(strings.TrimSpace(s))); m {
	case DisplaySingleDetailed, DisplaySingleSimple, DisplayDoubleDetailed, DisplayDoubleSimple:
		return m, nil
	}
	return "", fmt.Errorf("unknown display mode %q", s)
}

// DisplaySettings holds how proxy groups are presented.
type DisplaySettings struct {
	store *Store
}

// NewDisplaySettings creates display settings on top of s.
func NewDisplaySettings(s *Store) *DisplaySettings {
	return &DisplaySettings{store: s}
}

const (
	keySortMode    = "display.sort_mode"
	keyDisplayMode = "display.display_mode"
	keyProxyMode   = "display.proxy_mode"
)

// SortMode returns the member order, default when unset.
func (d *DisplaySettings) SortMode() core.SortMode {
	m, err := core.ParseSortMode(d.store.String(keySortMode, ""))
	if err != nil {
		return core.SortDefault
	}
	return m
}

// SetSortMode saves the member order.
func (d *DisplaySettings) SetSortMode(m core.SortMode) error {
	return d.store.Set(keySortMode, m.String())
}

// DisplayMode returns the list layout, double-simple when unset.
func (d *DisplaySettings) DisplayMode() DisplayMode {
	m, err := ParseDisplayMode(d.store.String(keyDisplayMode, ""))
	if err != nil {
		return DisplayDoubleSimple
	}
	return m
}

// SetDisplayMode saves the list layout.
func (d *DisplaySettings) SetDisplayMode(m DisplayMode) error {
	return d.store.Set(keyDisplayMode, string(m))
}

// ProxyMode returns the tunnel mode to apply on start, rule when unset.
func (d *DisplaySettings) ProxyMode() core.Mode {
	m, err := core.ParseMode(d.store.String(keyProxyMode, ""))
	if err != nil {
		return core.ModeRule
	}
	return m
}

// SetProxyMode saves the tunnel mode.
func (d *DisplaySettings) SetProxyMode(m core.Mode) error {
	return d.store.Set(keyProxyMode, string(m))
}

// NetworkMode is how traffic reaches the core.
type NetworkMode string

const (
	NetworkTun  NetworkMode = "tun"
	NetworkHTTP NetworkMode = "http"
)

// AccessControlMode selects which applications are routed through the tun.
type AccessControlMode string

const (
	AccessAllowAll      AccessControlMode = "allow-all"
	AccessAllowSpecific AccessControlMode = "allow-specific"
	AccessDenySpecific  AccessControlMode = "deny-specific"
)

// TunStacks are the tun stack implementations the core accepts.
var TunStacks = []string{"system", "gvisor", "mixed"}

// Private ranges excluded from the tun when private networks bypass it.
var privateRanges = []string{
	"10.0.0.0/8",
	"100.64.0.0/10",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
	"fe80::/10",
}

// NetworkSettings holds the user's network overrides applied on top of a profile.
type NetworkSettings struct {
	store *Store
}

// NewNetworkSettings creates network settings on top of s.
func NewNetworkSettings(s *Store) *NetworkSettings {
	return &NetworkSettings{store: s}
}

const (
	keyNetworkMode    = "network.mode"
	keyBypassPrivate  = "network.bypass_private"
	keyDNSHijack      = "network.dns_hijack"
	keyIPv6           = "network.ipv6"
	keyAllowLAN       = "network.allow_lan"
	keyLogLevel       = "network.log_level"
	keyMixedPort      = "network.mixed_port"
	keyTunStack       = "network.tun_stack"
	keyAccessMode     = "network.access_control_mode"
	keyAccessPackages = "network.access_control_packages"
)

// Mode returns the network mode, tun when unset.
func (n *NetworkSettings) Mode() NetworkMode {
	if NetworkMode(n.store.String(keyNetworkMode, "")) == NetworkHTTP {
		return NetworkHTTP
	}
	return NetworkTun
}

// SetMode saves the network mode.
func (n *NetworkSettings) SetMode(m NetworkMode) error {
	if m != NetworkTun && m != NetworkHTTP {
		return fmt.Errorf("unknown network mode %q", m)
	}
	return n.store.Set(keyNetworkMode, string(m))
}

func (n *NetworkSettings) BypassPrivate() bool { return n.store.Bool(keyBypassPrivate, true) }
func (n *NetworkSettings) DNSHijack() bool     { return n.store.Bool(keyDNSHijack, true) }
func (n *NetworkSettings) IPv6() bool          { return n.store.Bool(keyIPv6, false) }
func (n *NetworkSettings) AllowLAN() bool      { return n.store.Bool(keyAllowLAN, false) }

func (n *NetworkSettings) SetBypassPrivate(v bool) error { return n.store.SetBool(keyBypassPrivate, v) }
func (n *NetworkSettings) SetDNSHijack(v bool) error     { return n.store.SetBool(keyDNSHijack, v) }
func (n *NetworkSettings) SetIPv6(v bool) error          { return n.store.SetBool(keyIPv6, v) }
func (n *NetworkSettings) SetAllowLAN(v bool) error      { return n.store.SetBool(keyAllowLAN, v) }

// LogLevel returns the core log level override; empty keeps the profile's.
func (n *NetworkSettings) LogLevel() string {
	return n.store.String(keyLogLevel, "")
}

// SetLogLevel saves the core log level override.
func (n *NetworkSettings) SetLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warning", "error", "silent":
		return n.store.Set(keyLogLevel, level)
	}
	return fmt.Errorf("unknown core log level %q", level)
}

// MixedPort returns the mixed port override; 0 keeps the profile's.
func (n *NetworkSettings) MixedPort() int {
	return n.store.Int(keyMixedPort, 0)
}

// SetMixedPort saves the mixed port override.
func (n *NetworkSettings) SetMixedPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid mixed port %d", port)
	}
	return n.store.SetInt(keyMixedPort, port)
}

// TunStack returns the tun stack, system when unset.
func (n *NetworkSettings) TunStack() string {
	return n.store.String(keyTunStack, "system")
}

// SetTunStack saves the tun stack.
func (n *NetworkSettings) SetTunStack(stack string) error {
	stack = strings.ToLower(stack)
	for _, s := range TunStacks {
		if s == stack {
			return n.store.Set(keyTunStack, stack)
		}
	}
	return fmt.Errorf("unknown tun stack %q", stack)
}

// AccessControl returns the access control mode and its sorted package list.
func (n *NetworkSettings) AccessControl() (AccessControlMode, []string) {
	mode := AccessControlMode(n.store.String(keyAccessMode, string(AccessAllowAll)))
	switch mode {
	case AccessAllowSpecific, AccessDenySpecific:
	default:
		mode = AccessAllowAll
	}

	var packages []string
	for _, p := range strings.Split(n.store.String(keyAccessPackages, ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			packages = append(packages, p)
		}
	}
	sort.Strings(packages)
	return mode, packages
}

// SetAccessControl saves the access control mode and package list.
func (n *NetworkSettings) SetAccessControl(mode AccessControlMode, packages []string) error {
	switch mode {
	case AccessAllowAll, AccessAllowSpecific, AccessDenySpecific:
	default:
		return fmt.Errorf("unknown access control mode %q", mode)
	}
	return n.store.SetMany(map[string]string{
		keyAccessMode:     string(mode),
		keyAccessPackages: strings.Join(packages, ","),
	})
}

// Override builds the core configuration patch for the current settings.
func (n *NetworkSettings) Override() core.Override {
	allowLAN := n.AllowLAN()
	ipv6 := n.IPv6()
	o := core.Override{AllowLAN: &allowLAN, IPv6: &ipv6}

	if level := n.LogLevel(); level != "" {
		o.LogLevel = &level
	}
	if port := n.MixedPort(); port > 0 {
		o.MixedPort = &port
	}

	enable := n.Mode() == NetworkTun
	tun := &core.TunOverride{Enable: &enable}
	if enable {
		stack := n.TunStack()
		tun.Stack = &stack
		if n.DNSHijack() {
			tun.DNSHijack = []string{"any:53", "tcp://any:53"}
		}
		if n.BypassPrivate() {
			tun.RouteExclude = append([]string{}, privateRanges...)
		}
		switch mode, packages := n.AccessControl(); mode {
		case AccessAllowSpecific:
			tun.IncludePackage = packages
		case AccessDenySpecific:
			tun.ExcludePackage = packages
		}
	}
	o.Tun = tun
	return o
}

// AppSettings holds daemon-wide preferences.
type AppSettings struct {
	store *Store
}

// NewAppSettings creates app settings on top of s.
func NewAppSettings(s *Store) *AppSettings {
	return &AppSettings{store: s}
}

const (
	keyAutoStart       = "app.auto_start"
	keyAutoRestart     = "app.auto_restart"
	keyTrafficNotice   = "app.traffic_notification"
	keyLastProfile     = "app.last_profile_id"
	keyCustomUserAgent = "app.custom_user_agent"
	keyTestURL         = "app.test_url"
)

// AutoStart reports whether the last profile starts with the daemon.
func (a *AppSettings) AutoStart() bool { return a.store.Bool(keyAutoStart, false) }

// SetAutoStart saves the auto-start flag.
func (a *AppSettings) SetAutoStart(v bool) error { return a.store.SetBool(keyAutoStart, v) }

// AutoRestart reports whether the watchdog may restart a failed core.
func (a *AppSettings) AutoRestart() bool { return a.store.Bool(keyAutoRestart, true) }

// SetAutoRestart saves the auto-restart flag.
func (a *AppSettings) SetAutoRestart(v bool) error { return a.store.SetBool(keyAutoRestart, v) }

// TrafficNotification reports whether the traffic summary is logged periodically.
func (a *AppSettings) TrafficNotification() bool { return a.store.Bool(keyTrafficNotice, true) }

// SetTrafficNotification saves the traffic summary flag.
func (a *AppSettings) SetTrafficNotification(v bool) error {
	return a.store.SetBool(keyTrafficNotice, v)
}

// LastProfileID returns the profile started most recently.
func (a *AppSettings) LastProfileID() string { return a.store.String(keyLastProfile, "") }

// SetLastProfileID saves the profile started most recently.
func (a *AppSettings) SetLastProfileID(id string) error { return a.store.Set(keyLastProfile, id) }

// CustomUserAgent returns the subscription user agent override.
func (a *AppSettings) CustomUserAgent() string { return a.store.String(keyCustomUserAgent, "") }

// SetCustomUserAgent saves the subscription user agent override.
func (a *AppSettings) SetCustomUserAgent(ua string) error {
	return a.store.Set(keyCustomUserAgent, strings.TrimSpace(ua))
}

// TestURL returns the latency test URL override.
func (a *AppSettings) TestURL() string { return a.store.String(keyTestURL, "") }

// SetTestURL saves the latency test URL override.
func (a *AppSettings) SetTestURL(u string) error { return a.store.Set(keyTestURL, strings.TrimSpace(u)) }
