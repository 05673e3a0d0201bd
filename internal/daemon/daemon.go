// Package daemon wires the YumeBox components together: the core supervisor,
// the proxy state repository, the facades, the REST API and the background
// loops around them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yumelira/yumebox-go/internal/api"
	"github.com/yumelira/yumebox-go/internal/config"
	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/engine"
	"github.com/yumelira/yumebox-go/internal/facade"
	"github.com/yumelira/yumebox-go/internal/health"
	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/metrics"
	"github.com/yumelira/yumebox-go/internal/netinfo"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/proxystate"
	"github.com/yumelira/yumebox-go/internal/store"
	"github.com/yumelira/yumebox-go/internal/traffic"
	"github.com/yumelira/yumebox-go/internal/util"
)

// File names below Config.DataDir.
const (
	SettingsFile = "settings.yaml"
	ProfilesFile = "profiles.yaml"
	TrafficFile  = "traffic.yaml"
)

// DefaultMixedPort is the core's mixed listener when no override is set.
const DefaultMixedPort = 7890

// Daemon is the running YumeBox instance.
type Daemon struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	client    *core.Client
	engine    *engine.Process
	app       *store.AppSettings
	state     *proxystate.Repository
	profiles  *facade.ProfilesFacade
	proxy     *facade.ProxyFacade
	stats     *traffic.Statistics
	traffic   *traffic.Collector
	netinfo   *netinfo.Monitor
	health    *health.Manager
	watchdog  *health.Watchdog
	metrics   *metrics.Metrics
	collector *metrics.Collector
	hub       *api.WebSocketHub
	api       *api.API

	mu          sync.Mutex
	running     bool
	httpServer  *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
	group       *errgroup.Group
	unsubscribe func()
}

// New builds a daemon from cfg. configPath is reread on Reload.
func New(cfg config.Config, configPath string) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logging.WithComponent("daemon"),
	}

	controller, err := cfg.ControllerURL()
	if err != nil {
		return nil, fmt.Errorf("core controller: %w", err)
	}

	d.metrics = metrics.New()
	d.collector = metrics.NewCollector(d.metrics, func() bool { return d.engine.IsRunning() })
	d.hub = api.NewWebSocketHub(cfg.API.WebSocketMaxClients)

	d.client, err = core.NewClient(core.Options{
		Controller:  controller,
		Secret:      cfg.Core.Secret,
		TestURL:     cfg.Core.TestURL,
		TestTimeout: cfg.Core.TestTimeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("create core client: %w", err)
	}

	if cfg.NetInfo.Enabled {
		prober := netinfo.NewProber(netinfo.Config{
			GeoIPURL:       cfg.NetInfo.GeoIPURL,
			DNSResolver:    cfg.NetInfo.DNSResolver,
			SkipInterfaces: cfg.NetInfo.SkipInterfaces,
		})
		d.netinfo = netinfo.NewMonitor(prober, cfg.NetInfo.Interval.Duration(), func(info netinfo.Info) {
			d.hub.Broadcast(api.EventNetInfo, info)
		})
	}

	d.engine = engine.New(engine.Options{
		Config: engine.Config{
			Binary:       cfg.Core.Binary,
			HomeDir:      cfg.CoreHomeDir(),
			Controller:   cfg.Core.Controller,
			Secret:       cfg.Core.Secret,
			StartTimeout: cfg.Core.StartTimeout.Duration(),
			StopTimeout:  cfg.Core.StopTimeout.Duration(),
		},
		Pinger:        d.client,
		OnStateChange: d.onCoreState,
	})

	kv, err := store.Open(filepath.Join(cfg.DataDir, SettingsFile))
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	selections := store.NewSelectionStore(kv)
	display := store.NewDisplaySettings(kv)
	network := store.NewNetworkSettings(kv)
	d.app = store.NewAppSettings(kv)

	d.stats, err = traffic.OpenStatistics(filepath.Join(cfg.DataDir, TrafficFile))
	if err != nil {
		return nil, fmt.Errorf("open traffic statistics: %w", err)
	}

	repo, err := profile.OpenRepository(filepath.Join(cfg.DataDir, ProfilesFile))
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	userAgent := cfg.Profiles.UserAgent
	if custom := d.app.CustomUserAgent(); custom != "" {
		userAgent = custom
	}
	downloader := profile.NewDownloader(cfg.DataDir,
		profile.WithHTTPClient(&http.Client{Timeout: cfg.Profiles.Timeout.Duration()}),
		profile.WithUserAgent(userAgent),
		profile.WithMaxSize(cfg.Profiles.MaxSize),
	)

	d.state = proxystate.New(proxystate.Options{
		Client:     d.client,
		Selections: selections,
		Resolver:   proxy.NewChainResolver(logging.WithComponent("proxy-chain")),
		DelayTTL:   cfg.Sync.DelayTTL.Duration(),
		SortMode:   display.SortMode(),
		Observer:   d.collector,
	})

	d.profiles = facade.NewProfilesFacade(facade.ProfilesOptions{
		Repository: repo,
		Downloader: downloader,
		Selections: selections,
		App:        d.app,
		Stats:      d.stats,
		Recorder:   d.collector,
	})

	d.traffic = traffic.NewCollector(traffic.CollectorConfig{
		Source:   d.client,
		Stats:    d.stats,
		Profile:  d.currentProfile,
		Recorder: d.collector,
	})

	d.proxy = facade.NewProxyFacade(facade.ProxyOptions{
		Engine:       d.engine,
		Client:       d.client,
		State:        d.state,
		Profiles:     d.profiles,
		Display:      display,
		Network:      network,
		App:          d.app,
		Traffic:      d.traffic,
		SyncInterval: cfg.Sync.Interval.Duration(),
	})

	d.health = health.NewManager()
	d.watchdog = health.NewWatchdog(d.proxy, cfg.Watchdog.FailureThreshold, d.collector.RecordCoreRestart)
	var observe func(string, health.Result)
	if cfg.Watchdog.Enabled && d.app.AutoRestart() {
		observe = d.watchdog.Observe
	}
	d.health.Register("controller", health.NewControllerChecker(d.client), cfg.Watchdog.Interval.Duration(), observe)
	mixed := mixedAddr(network.MixedPort())
	d.health.Register("listener", health.NewTCPChecker(mixed, cfg.Core.TestTimeout.Duration()), cfg.Watchdog.Interval.Duration(), nil)
	d.health.Register("connectivity", health.NewConnectivityChecker(mixed, cfg.Core.TestURL, cfg.Core.TestTimeout.Duration()), time.Minute, nil)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = d.metrics.Handler()
	}
	d.api = api.New(api.Config{
		Proxy:       d.proxy,
		Profiles:    d.profiles,
		Engine:      d.engine,
		Traffic:     d.traffic,
		Stats:       d.stats,
		NetInfo:     d.netinfo,
		Health:      d.health,
		Hub:         d.hub,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
		Recorder:    d.collector,
		Token:       cfg.API.Token,
	})

	return d, nil
}

// mixedAddr is the core's local mixed listener. Without an override the
// core listens on its default port.
func mixedAddr(port int) string {
	if port <= 0 {
		port = DefaultMixedPort
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// onCoreState runs with the engine lock held and must not call into it.
func (d *Daemon) onCoreState(state engine.State) {
	d.hub.Broadcast(api.EventCoreState, api.CoreStateEvent{State: string(state)})
	d.collector.SetCoreUp(state == engine.StateRunning)
	if d.netinfo != nil && (state == engine.StateRunning || state == engine.StateStopped) {
		d.netinfo.Trigger()
	}
}

// currentProfile attributes traffic to the last started profile. It avoids
// the facade lock, which is held for the whole of a core start.
func (d *Daemon) currentProfile() (id, name string) {
	id = d.app.LastProfileID()
	if id == "" {
		return "", ""
	}
	if p, err := d.profiles.Get(id); err == nil {
		return p.ID, p.Name
	}
	return id, ""
}

// Start starts the API listener and the background loops, then brings up
// the core with the last used profile when auto start is enabled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	var listener net.Listener
	if d.cfg.API.Enabled {
		var err error
		listener, err = net.Listen("tcp", d.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("listen API: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	d.unsubscribe = d.hub.Forward(api.EventSources{
		Traffic:  d.traffic,
		State:    d.state,
		Profiles: d.profiles,
	})
	g.Go(func() error {
		d.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := d.traffic.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("traffic collector stopped", "error", err)
		}
		return nil
	})
	if d.netinfo != nil {
		g.Go(func() error {
			return d.netinfo.Run(gctx)
		})
	}

	if err := d.health.Start(gctx); err != nil {
		cancel()
		if listener != nil {
			listener.Close()
		}
		return fmt.Errorf("start health manager: %w", err)
	}
	d.collector.Start()
	d.profiles.RestoreSchedules()

	if listener != nil {
		d.listener = listener
		d.httpServer = &http.Server{
			Handler:           d.api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv := d.httpServer
		g.Go(func() error {
			d.logger.Info("API listening", "address", listener.Addr().String())
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve API: %w", err)
			}
			return nil
		})
	}

	if d.app.AutoStart() {
		g.Go(func() error {
			if err := d.proxy.StartProxy(gctx, ""); err != nil {
				if errors.Is(err, profile.ErrNoProfile) {
					d.logger.Info("auto start skipped, no profile")
				} else {
					d.logger.Error("auto start failed", "error", err)
				}
			}
			return nil
		})
	}

	d.cancel = cancel
	d.group = g
	d.running = true
	d.logger.Info("YumeBox started", "data_dir", d.cfg.DataDir, "core", d.cfg.Core.Binary)
	return nil
}

// Addr returns the API listen address, or nil when the API is disabled or
// the daemon is stopped.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Stop stops the core, the API and the background loops.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.running = false

	errs := util.NewMultiError()
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			errs.Add(fmt.Errorf("shutdown API: %w", err))
		}
		d.httpServer = nil
		d.listener = nil
	}

	if d.proxy.IsRunning() {
		errs.Add(d.proxy.StopProxy(ctx))
	}

	d.health.Stop()
	d.collector.Stop()
	d.profiles.Close()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	d.cancel()
	errs.Add(d.group.Wait())
	d.watchdog.Wait()
	d.state.Stop()

	d.logger.Info("YumeBox stopped")
	return errs.Err()
}

// Reload rereads the configuration file, applies the log level and makes
// the core reread the current profile. Other changes need a restart.
func (d *Daemon) Reload(ctx context.Context) error {
	cfg := config.DefaultConfig()
	if err := config.LoadAndValidate(d.configPath, &cfg); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if d.proxy.IsRunning() {
		if err := d.proxy.ReloadCurrentProfile(ctx); err != nil {
			return err
		}
	}
	d.logger.Info("configuration reloaded", "log_level", cfg.Logging.Level)
	return nil
}

// Proxy returns the proxy facade.
func (d *Daemon) Proxy() *facade.ProxyFacade { return d.proxy }

// Profiles returns the profiles facade.
func (d *Daemon) Profiles() *facade.ProfilesFacade { return d.profiles }
