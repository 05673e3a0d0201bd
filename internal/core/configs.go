package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode is the core's tunnel mode.
type Mode string

const (
	ModeRule   Mode = "rule"
	ModeGlobal Mode = "global"
	ModeDirect Mode = "direct"
)

// ParseMode parses a tunnel mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRule, ModeGlobal, ModeDirect:
		return m, nil
	}
	return "", fmt.Errorf("unknown proxy mode %q", s)
}

// Override is a partial core configuration. Nil fields are left untouched
// by PatchConfigs; QueryConfigs fills in what the core reports.
type Override struct {
	Mode      *Mode        `json:"mode,omitempty" yaml:"mode,omitempty"`
	LogLevel  *string      `json:"log-level,omitempty" yaml:"log-level,omitempty"`
	AllowLAN  *bool        `json:"allow-lan,omitempty" yaml:"allow-lan,omitempty"`
	IPv6      *bool        `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	MixedPort *int         `json:"mixed-port,omitempty" yaml:"mixed-port,omitempty"`
	HTTPPort  *int         `json:"port,omitempty" yaml:"port,omitempty"`
	SocksPort *int         `json:"socks-port,omitempty" yaml:"socks-port,omitempty"`
	Tun       *TunOverride `json:"tun,omitempty" yaml:"tun,omitempty"`
}

// TunOverride is the tun section of an Override.
type TunOverride struct {
	Enable         *bool    `json:"enable,omitempty" yaml:"enable,omitempty"`
	Stack          *string  `json:"stack,omitempty" yaml:"stack,omitempty"`
	DNSHijack      []string `json:"dns-hijack,omitempty" yaml:"dns-hijack,omitempty"`
	RouteExclude   []string `json:"route-exclude-address,omitempty" yaml:"route-exclude-address,omitempty"`
	IncludePackage []string `json:"include-package,omitempty" yaml:"include-package,omitempty"`
	ExcludePackage []string `json:"exclude-package,omitempty" yaml:"exclude-package,omitempty"`
}

// IsEmpty reports whether the override changes nothing.
func (o Override) IsEmpty() bool {
	return o.Mode == nil && o.LogLevel == nil && o.AllowLAN == nil && o.IPv6 == nil &&
		o.MixedPort == nil && o.HTTPPort == nil && o.SocksPort == nil && o.Tun == nil
}

// Merge returns o with every non-nil field of other applied on top.
func (o Override) Merge(other Override) Override {
	if other.Mode != nil {
		o.Mode = other.Mode
	}
	if other.LogLevel != nil {
		o.LogLevel = other.LogLevel
	}
	if other.AllowLAN != nil {
		o.AllowLAN = other.AllowLAN
	}
	if other.IPv6 != nil {
		o.IPv6 = other.IPv6
	}
	if other.MixedPort != nil {
		o.MixedPort = other.MixedPort
	}
	if other.HTTPPort != nil {
		o.HTTPPort = other.HTTPPort
	}
	if other.SocksPort != nil {
		o.SocksPort = other.SocksPort
	}
	if other.Tun != nil {
		o.Tun = other.Tun
	}
	return o
}

// QueryConfigs returns the running configuration as an Override.
func (c *Client) QueryConfigs(ctx context.Context) (Override, error) {
	var o Override
	if err := c.do(ctx, http.MethodGet, "/configs", nil, nil, &o); err != nil {
		return Override{}, err
	}
	return o, nil
}

// PatchConfigs applies o to the running core.
func (c *Client) PatchConfigs(ctx context.Context, o Override) error {
	if o.IsEmpty() {
		return nil
	}
	return c.do(ctx, http.MethodPatch, "/configs", nil, o, nil)
}

// QueryMode returns the current tunnel mode, defaulting to rule.
func (c *Client) QueryMode(ctx context.Context) (Mode, error) {
	o, err := c.QueryConfigs(ctx)
	if err != nil {
		return "", err
	}
	if o.Mode == nil {
		return ModeRule, nil
	}
	return Mode(strings.ToLower(string(*o.Mode))), nil
}

// SetMode switches the tunnel mode.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	return c.PatchConfigs(ctx, Override{Mode: &mode})
}

// ReloadConfig makes the core load the profile at path, replacing the running config.
func (c *Client) ReloadConfig(ctx context.Context, path string) error {
	q := url.Values{}
	q.Set("force", "true")
	body := map[string]string{"path": path, "payload": ""}
	return c.do(ctx, http.MethodPut, "/configs", q, body, nil)
}
