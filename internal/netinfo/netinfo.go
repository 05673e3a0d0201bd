// Package netinfo reports the machine's local address and the external
// address traffic leaves from.
package netinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/util"
)

const (
	DefaultGeoIPURL    = "https://api.ip.sb/geoip"
	DefaultDNSResolver = "resolver1.opendns.com:53"
	DefaultDNSName     = "myip.opendns.com"
	DefaultInterval    = 60 * time.Second
)

// External is the public address as seen from the internet.
type External struct {
	IP          string `json:"ip"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Source      string `json:"source"`
}

// Info is the combined network state.
type Info struct {
	LocalIP   string    `json:"local_ip,omitempty"`
	External  *External `json:"external,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// LocalIP returns the first usable IPv4 address of an interface that is
// up, falling back to the address of the default route.
func LocalIP(skipPrefixes ...string) (string, error) {
	if ip, err := util.FirstInterfaceIPv4(skipPrefixes...); err == nil {
		return ip.String(), nil
	}
	ip, err := util.GetOutboundIP()
	if err != nil {
		return "", fmt.Errorf("no local address: %w", err)
	}
	return ip.String(), nil
}

// Config configures a Prober.
type Config struct {
	GeoIPURL       string
	DNSResolver    string
	DNSName        string
	Timeout        time.Duration
	SkipInterfaces []string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Prober looks up addresses.
type Prober struct {
	cfg    Config
	http   *http.Client
	dns    *dns.Client
	logger *slog.Logger
}

// NewProber creates a Prober with defaults for unset fields.
func NewProber(cfg Config) *Prober {
	if cfg.GeoIPURL == "" {
		cfg.GeoIPURL = DefaultGeoIPURL
	}
	if cfg.DNSResolver == "" {
		cfg.DNSResolver = DefaultDNSResolver
	}
	if !strings.Contains(cfg.DNSResolver, ":") {
		cfg.DNSResolver += ":53"
	}
	if cfg.DNSName == "" {
		cfg.DNSName = DefaultDNSName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("netinfo")
	}
	return &Prober{
		cfg:    cfg,
		http:   httpClient,
		dns:    &dns.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// LocalIP returns the local address, skipping the configured interfaces.
func (p *Prober) LocalIP() (string, error) {
	return LocalIP(p.cfg.SkipInterfaces...)
}

// ExternalIP asks the geoip service first and falls back to DNS.
func (p *Prober) ExternalIP(ctx context.Context) (External, error) {
	ext, err := p.geoIP(ctx)
	if err == nil {
		return ext, nil
	}
	p.logger.Debug("geoip lookup failed, trying dns", "error", err)

	ext, dnsErr := p.dnsIP(ctx)
	if dnsErr == nil {
		return ext, nil
	}
	return External{}, errors.Join(err, dnsErr)
}

func (p *Prober) geoIP(ctx context.Context) (External, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.GeoIPURL, nil)
	if err != nil {
		return External{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return External{}, fmt.Errorf("geoip request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return External{}, fmt.Errorf("geoip returned %d", resp.StatusCode)
	}

	var body struct {
		IP          string `json:"ip"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return External{}, fmt.Errorf("geoip response: %w", err)
	}
	if net.ParseIP(body.IP) == nil {
		return External{}, fmt.Errorf("geoip returned invalid ip %q", body.IP)
	}
	return External{IP: body.IP, Country: body.Country, CountryCode: body.CountryCode, Source: "geoip"}, nil
}

func (p *Prober) dnsIP(ctx context.Context) (External, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.cfg.DNSName), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := p.dns.ExchangeContext(ctx, m, p.cfg.DNSResolver)
	if err != nil {
		return External{}, fmt.Errorf("dns query: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return External{}, fmt.Errorf("dns error: %s", dns.RcodeToString[resp.Rcode])
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			return External{IP: a.A.String(), Source: "dns"}, nil
		}
	}
	return External{}, fmt.Errorf("dns answer for %s has no A record", p.cfg.DNSName)
}

// Monitor refreshes Info periodically and on demand. A failed refresh
// keeps the last good external address.
type Monitor struct {
	prober   *Prober
	interval time.Duration
	trigger  chan struct{}
	onChange func(Info)
	logger   *slog.Logger

	mu   sync.RWMutex
	info Info
}

// NewMonitor creates a monitor. onChange, if set, receives every refreshed Info.
func NewMonitor(prober *Prober, interval time.Duration, onChange func(Info)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		onChange: onChange,
		logger:   prober.logger,
	}
}

// Run refreshes until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.trigger:
		}
		m.refreshLogged(ctx)
	}
}

func (m *Monitor) refreshLogged(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.logger.Debug("network info refresh failed", "error", err)
	}
}

// Trigger asks a running monitor to refresh now, e.g. after the core
// started or stopped.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Refresh updates Info once.
func (m *Monitor) Refresh(ctx context.Context) error {
	local, localErr := m.prober.LocalIP()
	ext, extErr := m.prober.ExternalIP(ctx)

	m.mu.Lock()
	if localErr == nil {
		m.info.LocalIP = local
	}
	if extErr == nil {
		m.info.External = &ext
		m.info.LastError = ""
	} else {
		m.info.LastError = extErr.Error()
	}
	m.info.UpdatedAt = time.Now()
	info := m.info
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(info)
	}
	return extErr
}

// Info returns the latest state.
func (m *Monitor) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}
