// Package proxy holds the proxy and proxy-group model reported by the core
// and the resolver that walks selector chains to the node carrying traffic.
package proxy

import "strings"

// Type is the adapter type tag reported by the core, e.g. "Shadowsocks" or "Selector".
type Type string

// Adapter types known to the core. Anything not listed is a concrete outbound.
const (
	TypeDirect      Type = "Direct"
	TypeReject      Type = "Reject"
	TypeRejectDrop  Type = "RejectDrop"
	TypeCompatible  Type = "Compatible"
	TypePass        Type = "Pass"
	TypeShadowsocks Type = "Shadowsocks"
	TypeVmess       Type = "Vmess"
	TypeVless       Type = "Vless"
	TypeTrojan      Type = "Trojan"
	TypeHysteria2   Type = "Hysteria2"
	TypeTuic        Type = "Tuic"
	TypeWireGuard   Type = "WireGuard"
	TypeHTTP        Type = "Http"
	TypeSocks5      Type = "Socks5"

	TypeSelector    Type = "Selector"
	TypeURLTest     Type = "URLTest"
	TypeFallback    Type = "Fallback"
	TypeLoadBalance Type = "LoadBalance"
	TypeRelay       Type = "Relay"
)

// IsGroup reports whether t is one of the group (selector) types.
func (t Type) IsGroup() bool {
	switch Type(normalizeType(string(t))) {
	case TypeSelector, TypeURLTest, TypeFallback, TypeLoadBalance, TypeRelay:
		return true
	}
	return false
}

// normalizeType maps the lower-case spellings used in profiles
// ("select", "url-test", "load-balance") onto the controller spelling.
func normalizeType(s string) string {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "selector", "select":
		return string(TypeSelector)
	case "urltest":
		return string(TypeURLTest)
	case "fallback":
		return string(TypeFallback)
	case "loadbalance":
		return string(TypeLoadBalance)
	case "relay":
		return string(TypeRelay)
	}
	return s
}

// Delay values with special meaning.
const (
	DelayUnknown = 0
	DelayTimeout = -1
)

// Proxy is a single named entry inside a group. It may itself name another group.
type Proxy struct {
	Name     string `json:"name" yaml:"name"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty" yaml:"subtitle,omitempty"`
	Type     Type   `json:"type" yaml:"type"`
	Delay    int    `json:"delay" yaml:"delay"`
}

// Group is a named selector and its members.
type Group struct {
	Name      string   `json:"name" yaml:"name"`
	Type      Type     `json:"type" yaml:"type"`
	Now       string   `json:"now" yaml:"now"`
	Fixed     string   `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Icon      string   `json:"icon,omitempty" yaml:"icon,omitempty"`
	Proxies   []Proxy  `json:"proxies" yaml:"proxies"`
	ChainPath []string `json:"chain_path,omitempty" yaml:"chain_path,omitempty"`
}

// HasSelection reports whether the group has a non-blank active member.
func (g Group) HasSelection() bool {
	return strings.TrimSpace(g.Now) != ""
}

// Member returns the member proxy with the given name.
func (g Group) Member(name string) (Proxy, bool) {
	for _, p := range g.Proxies {
		if p.Name == name {
			return p, true
		}
	}
	return Proxy{}, false
}

// Snapshot is the full set of groups known at one point in time.
type Snapshot []Group

// Find returns the group with the given name.
func (s Snapshot) Find(name string) (Group, bool) {
	for _, g := range s {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// FindProxy returns the first member named name across all groups.
func (s Snapshot) FindProxy(name string) (Proxy, bool) {
	for _, g := range s {
		if p, ok := g.Member(name); ok {
			return p, true
		}
	}
	return Proxy{}, false
}

// Map indexes the snapshot by group name.
func (s Snapshot) Map() map[string]Group {
	m := make(map[string]Group, len(s))
	for _, g := range s {
		m[g.Name] = g
	}
	return m
}
