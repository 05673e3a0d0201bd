package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/util"
)

// Config is the configuration of the yumebox daemon.
type Config struct {
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	Core     CoreConfig     `yaml:"core" json:"core"`
	API      APIConfig      `yaml:"api" json:"api"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Watchdog WatchdogConfig `yaml:"watchdog" json:"watchdog"`
	Profiles ProfilesConfig `yaml:"profiles" json:"profiles"`
	NetInfo  NetInfoConfig  `yaml:"netinfo" json:"netinfo"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
}

// CoreConfig describes the proxy core binary and its external controller.
type CoreConfig struct {
	Binary       string   `yaml:"binary" json:"binary"`
	HomeDir      string   `yaml:"home_dir,omitempty" json:"home_dir,omitempty"` // defaults to <data_dir>/core
	Controller   string   `yaml:"controller" json:"controller"`
	Secret       string   `yaml:"secret,omitempty" json:"-"`
	StartTimeout Duration `yaml:"start_timeout" json:"start_timeout"`
	StopTimeout  Duration `yaml:"stop_timeout" json:"stop_timeout"`
	TestURL      string   `yaml:"test_url" json:"test_url"`
	TestTimeout  Duration `yaml:"test_timeout" json:"test_timeout"`
}

// APIConfig contains REST API settings.
type APIConfig struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`
	Listen              string `yaml:"listen" json:"listen"`
	Token               string `yaml:"token,omitempty" json:"-"`
	WebSocketMaxClients int    `yaml:"websocket_max_clients" json:"websocket_max_clients"`
}

// MetricsConfig contains Prometheus settings. Metrics are served by the API listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// SyncConfig controls the proxy group sync loop.
type SyncConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
	DelayTTL Duration `yaml:"delay_ttl" json:"delay_ttl"`
}

// WatchdogConfig controls automatic restarts of the core.
type WatchdogConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Interval         Duration `yaml:"interval" json:"interval"`
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
}

// ProfilesConfig controls subscription downloads.
type ProfilesConfig struct {
	UserAgent string   `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	MaxSize   int64    `yaml:"max_size" json:"max_size"` // bytes
}

// NetInfoConfig controls local/external address monitoring.
type NetInfoConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Interval       Duration `yaml:"interval" json:"interval"`
	GeoIPURL       string   `yaml:"geoip_url" json:"geoip_url"`
	DNSResolver    string   `yaml:"dns_resolver" json:"dns_resolver"`
	SkipInterfaces []string `yaml:"skip_interfaces,omitempty" json:"skip_interfaces,omitempty"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "yumebox")
	}
	return ".yumebox"
}

// DefaultConfigPath returns <data dir>/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Core: CoreConfig{
			Binary:       "mihomo",
			Controller:   "127.0.0.1:9090",
			StartTimeout: Duration(15 * time.Second),
			StopTimeout:  Duration(5 * time.Second),
			TestURL:      "https://www.gstatic.com/generate_204",
			TestTimeout:  Duration(5 * time.Second),
		},
		API: APIConfig{
			Enabled:             true,
			Listen:              "127.0.0.1:7895",
			WebSocketMaxClients: 16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Sync: SyncConfig{
			Interval: Duration(5 * time.Second),
			DelayTTL: Duration(5 * time.Minute),
		},
		Watchdog: WatchdogConfig{
			Enabled:          true,
			Interval:         Duration(10 * time.Second),
			FailureThreshold: 3,
		},
		Profiles: ProfilesConfig{
			Timeout: Duration(30 * time.Second),
			MaxSize: 32 << 20,
		},
		NetInfo: NetInfoConfig{
			Enabled:        true,
			Interval:       Duration(60 * time.Second),
			GeoIPURL:       "https://api.ip.sb/geoip",
			DNSResolver:    "resolver1.opendns.com:53",
			SkipInterfaces: []string{"tun", "utun", "Meta"},
		},
		Logging: logging.DefaultConfig(),
	}
}

// CoreHomeDir returns the directory the core runs in.
func (c *Config) CoreHomeDir() string {
	if c.Core.HomeDir != "" {
		return c.Core.HomeDir
	}
	return filepath.Join(c.DataDir, "core")
}

// ControllerURL returns the base URL of the core's external controller.
func (c *Config) ControllerURL() (string, error) {
	return util.ControllerURL(c.Core.Controller)
}

// Validate validates the daemon configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Core.Binary == "" {
		return fmt.Errorf("core.binary is required")
	}
	if _, err := c.ControllerURL(); err != nil {
		return fmt.Errorf("core.controller: %w", err)
	}
	if c.Core.StartTimeout <= 0 {
		return fmt.Errorf("core.start_timeout must be positive")
	}
	if c.Core.TestURL == "" {
		return fmt.Errorf("core.test_url is required")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}

	if c.Sync.Interval < Duration(time.Second) {
		return fmt.Errorf("sync.interval must be at least 1s")
	}
	if c.Sync.DelayTTL <= 0 {
		return fmt.Errorf("sync.delay_ttl must be positive")
	}

	if c.Watchdog.Enabled {
		if c.Watchdog.Interval <= 0 {
			return fmt.Errorf("watchdog.interval must be positive")
		}
		if c.Watchdog.FailureThreshold < 1 {
			return fmt.Errorf("watchdog.failure_threshold must be at least 1")
		}
	}

	if c.Profiles.Timeout <= 0 {
		return fmt.Errorf("profiles.timeout must be positive")
	}
	if c.Profiles.MaxSize < 0 {
		return fmt.Errorf("profiles.max_size must not be negative")
	}

	if c.NetInfo.Enabled && c.NetInfo.Interval <= 0 {
		return fmt.Errorf("netinfo.interval must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}
