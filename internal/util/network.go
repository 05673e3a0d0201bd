package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ControllerURL turns a controller address ("127.0.0.1:9090",
// ":9090" or "http://host:9090/") into a base URL without a trailing slash.
func ControllerURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty controller address", ErrInvalidConfig)
	}
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("%w: controller address %q: %v", ErrInvalidConfig, addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: controller scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: controller address %q has no host", ErrInvalidConfig, addr)
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}

// GetOutboundIP returns the preferred outbound IP of this machine.
// The UDP dial does not send packets; it only selects the route.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP, nil
}

// FirstInterfaceIPv4 returns the first non-loopback IPv4 address of an
// interface that is up, skipping names with any of the given prefixes
// (the core's own tun device for instance).
func FirstInterfaceIPv4(skipPrefixes ...string) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hasAnyPrefix(iface.Name, skipPrefixes) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLinkLocalUnicast() {
				return v4, nil
			}
		}
	}
	return nil, ErrNotFound
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
