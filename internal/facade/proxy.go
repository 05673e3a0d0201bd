package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/proxystate"
	"github.com/yumelira/yumebox-go/internal/store"
	"github.com/yumelira/yumebox-go/internal/util"
)

const providerUpdateConcurrency = 4

// Engine runs the core process. *engine.Process implements it.
type Engine interface {
	Start(ctx context.Context, configPath string) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Controller is the part of the core client the facade forwards to.
// *core.Client implements it.
type Controller interface {
	TestDelay(ctx context.Context, name string) (int, error)
	QueryConfigs(ctx context.Context) (core.Override, error)
	PatchConfigs(ctx context.Context, o core.Override) error
	SetMode(ctx context.Context, mode core.Mode) error
	ReloadConfig(ctx context.Context, path string) error
	QueryProviders(ctx context.Context) ([]core.Provider, error)
	UpdateProvider(ctx context.Context, kind core.ProviderKind, name string) error
	QueryConnections(ctx context.Context) ([]core.Connection, error)
	CloseConnection(ctx context.Context, id string) error
	CloseAllConnections(ctx context.Context) error
}

// TrafficResetter is told when a new core session begins.
type TrafficResetter interface {
	Reset()
}

// ProxyOptions configures a ProxyFacade.
type ProxyOptions struct {
	Engine       Engine
	Client       Controller
	State        *proxystate.Repository
	Profiles     *ProfilesFacade
	Display      *store.DisplaySettings
	Network      *store.NetworkSettings
	App          *store.AppSettings
	Traffic      TrafficResetter
	SyncInterval time.Duration
	Logger       *slog.Logger
}

// ProxyFacade starts and stops the core for a profile and forwards proxy
// operations to the core and the proxy state repository.
type ProxyFacade struct {
	engine   Engine
	client   Controller
	state    *proxystate.Repository
	profiles *ProfilesFacade
	display  *store.DisplaySettings
	network  *store.NetworkSettings
	app      *store.AppSettings
	traffic  TrafficResetter
	interval time.Duration
	logger   *slog.Logger

	shouldRun atomic.Bool

	mu      sync.Mutex
	current *profile.Profile
}

// NewProxyFacade creates the facade. Profile updates of the running
// profile are reloaded into the core.
func NewProxyFacade(opts ProxyOptions) *ProxyFacade {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("facade")
	}
	interval := opts.SyncInterval
	if interval <= 0 {
		interval = proxystate.DefaultSyncInterval
	}
	f := &ProxyFacade{
		engine:   opts.Engine,
		client:   opts.Client,
		state:    opts.State,
		profiles: opts.Profiles,
		display:  opts.Display,
		network:  opts.Network,
		app:      opts.App,
		traffic:  opts.Traffic,
		interval: interval,
		logger:   logger,
	}
	if f.profiles != nil {
		f.profiles.OnUpdated(f.reloadIfCurrent)
	}
	return f
}

// resolveProfileID picks the explicit id, then the last used profile,
// then the enabled one.
func (f *ProxyFacade) resolveProfileID(id string) (string, error) {
	if id != "" {
		p, err := f.profiles.Find(id)
		if err != nil {
			return "", err
		}
		return p.ID, nil
	}
	if f.app != nil {
		if last := f.app.LastProfileID(); last != "" {
			if _, err := f.profiles.Get(last); err == nil {
				return last, nil
			}
		}
	}
	if p, ok := f.profiles.Enabled(); ok {
		return p.ID, nil
	}
	return "", profile.ErrNoProfile
}

// StartProxy runs the core with profileID, or with the last used profile
// when profileID is blank. A running core is switched to the new profile.
func (f *ProxyFacade) StartProxy(ctx context.Context, profileID string) error {
	id, err := f.resolveProfileID(profileID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.profiles.EnsureDownloaded(ctx, id)
	if err != nil {
		return fmt.Errorf("prepare profile: %w", err)
	}
	ctx = logging.WithProfile(logging.WithContext(ctx, f.logger), p.ID, p.Name)
	logger := logging.FromContext(ctx)

	if f.engine.IsRunning() {
		f.state.StopAutoSync()
		if err := f.client.ReloadConfig(ctx, p.ConfigPath); err != nil {
			return fmt.Errorf("switch profile: %w", err)
		}
		logger.Info("switched core profile", "name", p.Name)
	} else {
		if err := f.engine.Start(ctx, p.ConfigPath); err != nil {
			return fmt.Errorf("start core: %w", err)
		}
		logger.Info("core started", "name", p.Name)
	}

	f.current = &p
	f.shouldRun.Store(true)
	f.activateLocked(ctx, p)

	if err := f.profiles.SetEnabled(p.ID, true); err != nil {
		logger.Warn("failed to mark profile enabled", "error", err)
	}
	if f.app != nil {
		if err := f.app.SetLastProfileID(p.ID); err != nil {
			logger.Warn("failed to remember last profile", "error", err)
		}
	}
	if f.traffic != nil {
		f.traffic.Reset()
	}
	return nil
}

// activateLocked applies the user's overrides and selections to a freshly
// loaded core and resumes syncing. Failures are logged, not returned: the
// core is already serving the profile.
func (f *ProxyFacade) activateLocked(ctx context.Context, p profile.Profile) {
	logger := logging.FromContext(ctx)

	if err := f.client.PatchConfigs(ctx, f.overrideLocked()); err != nil {
		logger.Warn("failed to apply overrides", "error", err)
	}
	if err := f.state.RestoreSelections(ctx, p.ID); err != nil {
		logger.Warn("some selections could not be restored", "error", err)
	}
	if f.display != nil {
		f.state.SetSortMode(f.display.SortMode())
	}
	f.state.Start(p.ID, f.interval)
	if err := f.state.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", "error", err)
	}
}

func (f *ProxyFacade) overrideLocked() core.Override {
	var o core.Override
	if f.network != nil {
		o = f.network.Override()
	}
	if f.display != nil {
		mode := f.display.ProxyMode()
		o.Mode = &mode
	}
	return o
}

// StopProxy stops syncing and the core.
func (f *ProxyFacade) StopProxy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shouldRun.Store(false)
	f.state.Stop()
	err := f.engine.Stop(ctx)
	f.current = nil
	if f.traffic != nil {
		f.traffic.Reset()
	}
	if err != nil {
		return fmt.Errorf("stop core: %w", err)
	}
	f.logger.Info("core stopped")
	return nil
}

// ShouldRun reports whether the user wants the core up.
func (f *ProxyFacade) ShouldRun() bool {
	return f.shouldRun.Load()
}

// Restart restarts the core with the current profile and restores the
// user's state on it.
func (f *ProxyFacade) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil {
		return profile.ErrNoProfile
	}
	p := *f.current
	ctx = logging.WithProfile(logging.WithContext(ctx, f.logger), p.ID, p.Name)

	f.state.StopAutoSync()
	if err := f.engine.Stop(ctx); err != nil {
		return fmt.Errorf("stop core: %w", err)
	}
	if err := f.engine.Start(ctx, p.ConfigPath); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	f.activateLocked(ctx, p)
	if f.traffic != nil {
		f.traffic.Reset()
	}
	return nil
}

// ReloadCurrentProfile makes the core reread the current profile's file.
func (f *ProxyFacade) ReloadCurrentProfile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil {
		return profile.ErrNoProfile
	}
	p, err := f.profiles.Get(f.current.ID)
	if err != nil {
		return err
	}
	if err := f.client.ReloadConfig(ctx, p.ConfigPath); err != nil {
		return fmt.Errorf("reload profile: %w", err)
	}
	f.current = &p
	f.activateLocked(logging.WithProfile(logging.WithContext(ctx, f.logger), p.ID, p.Name), p)
	return nil
}

func (f *ProxyFacade) reloadIfCurrent(ctx context.Context, p profile.Profile) {
	f.mu.Lock()
	current := f.current != nil && f.current.ID == p.ID && f.engine.IsRunning()
	f.mu.Unlock()
	if !current {
		return
	}
	if err := f.ReloadCurrentProfile(ctx); err != nil {
		f.logger.Warn("failed to reload updated profile", "profile", p.ID, "error", err)
	}
}

// IsRunning reports whether the core is up.
func (f *ProxyFacade) IsRunning() bool { return f.engine.IsRunning() }

// CurrentProfile returns the profile the core runs.
func (f *ProxyFacade) CurrentProfile() (profile.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return profile.Profile{}, false
	}
	return *f.current, true
}

func (f *ProxyFacade) requireRunning() error {
	if !f.engine.IsRunning() {
		return util.ErrNotRunning
	}
	return nil
}

// Groups returns the latest proxy group snapshot.
func (f *ProxyFacade) Groups() proxy.Snapshot { return f.state.Groups() }

// SelectProxy selects name in a Selector group.
func (f *ProxyFacade) SelectProxy(ctx context.Context, group, name string) error {
	if err := f.requireRunning(); err != nil {
		return err
	}
	return f.state.SelectProxy(ctx, group, name)
}

// ForceSelectProxy pins name in group; a blank name unpins.
func (f *ProxyFacade) ForceSelectProxy(ctx context.Context, group, name string) error {
	if err := f.requireRunning(); err != nil {
		return err
	}
	return f.state.ForceSelectProxy(ctx, group, name)
}

// HealthCheck tests every member of group.
func (f *ProxyFacade) HealthCheck(ctx context.Context, group string) error {
	if err := f.requireRunning(); err != nil {
		return err
	}
	return f.state.TestGroupDelay(ctx, group)
}

// HealthCheckAll tests every group.
func (f *ProxyFacade) HealthCheckAll(ctx context.Context) error {
	if err := f.requireRunning(); err != nil {
		return err
	}
	return f.state.TestAllDelay(ctx)
}

// RefreshProxyGroups syncs the snapshot now.
func (f *ProxyFacade) RefreshProxyGroups(ctx context.Context) error {
	return f.state.Sync(ctx)
}

// RefreshGroup syncs a single group.
func (f *ProxyFacade) RefreshGroup(ctx context.Context, name string) error {
	return f.state.RefreshGroup(ctx, name)
}

// TestDelay tests a single proxy and caches the result.
func (f *ProxyFacade) TestDelay(ctx context.Context, name string) (int, error) {
	if err := f.requireRunning(); err != nil {
		return proxy.DelayUnknown, err
	}
	d, err := f.client.TestDelay(ctx, name)
	if err != nil {
		return proxy.DelayUnknown, err
	}
	f.state.RecordDelay(name, d)
	return d, nil
}

// CachedDelay returns the freshest known delay of name.
func (f *ProxyFacade) CachedDelay(name string) (int, bool) { return f.state.CachedDelay(name) }

// ResolvedDelay returns the delay of the node name resolves to.
func (f *ProxyFacade) ResolvedDelay(name string) int { return f.state.ResolvedDelay(name) }

// FindGroup returns a group from the latest snapshot.
func (f *ProxyFacade) FindGroup(name string) (proxy.Group, bool) { return f.state.FindGroup(name) }

// CurrentSelection returns the active member of group.
func (f *ProxyFacade) CurrentSelection(group string) (string, bool) {
	return f.state.CurrentSelection(group)
}

// ResolveProxyEndNode returns the node traffic through name ends up on.
func (f *ProxyFacade) ResolveProxyEndNode(name string) (proxy.Proxy, bool) {
	return f.state.ResolveEndNode(name)
}

// ChainPath returns the selection path starting at name.
func (f *ProxyFacade) ChainPath(name string) []string { return f.state.ChainPath(name) }

// Connections lists open connections.
func (f *ProxyFacade) Connections(ctx context.Context) ([]core.Connection, error) {
	return f.client.QueryConnections(ctx)
}

// CloseConnection closes one connection.
func (f *ProxyFacade) CloseConnection(ctx context.Context, id string) error {
	return f.client.CloseConnection(ctx, id)
}

// CloseAllConnections closes every connection.
func (f *ProxyFacade) CloseAllConnections(ctx context.Context) error {
	return f.client.CloseAllConnections(ctx)
}

// QueryOverride returns the core's running configuration.
func (f *ProxyFacade) QueryOverride(ctx context.Context) (core.Override, error) {
	return f.client.QueryConfigs(ctx)
}

// ApplyOverride patches the running core.
func (f *ProxyFacade) ApplyOverride(ctx context.Context, o core.Override) error {
	return f.client.PatchConfigs(ctx, o)
}

// QueryProviders lists the core's updatable providers.
func (f *ProxyFacade) QueryProviders(ctx context.Context) ([]core.Provider, error) {
	return f.client.QueryProviders(ctx)
}

// UpdateProvider refetches one provider and resyncs.
func (f *ProxyFacade) UpdateProvider(ctx context.Context, kind core.ProviderKind, name string) error {
	if err := f.client.UpdateProvider(ctx, kind, name); err != nil {
		return err
	}
	if err := f.state.Sync(ctx); err != nil && !errors.Is(err, proxystate.ErrNotStarted) {
		f.logger.Debug("sync after provider update failed", "error", err)
	}
	return nil
}

// UpdateAllProviders refetches every provider concurrently. It returns the
// names that failed, sorted, together with the joined errors.
func (f *ProxyFacade) UpdateAllProviders(ctx context.Context) ([]string, error) {
	providers, err := f.client.QueryProviders(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		failed []string
		errs   = util.NewMultiError()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(providerUpdateConcurrency)
	for _, p := range providers {
		g.Go(func() error {
			if err := f.client.UpdateProvider(gctx, p.Kind, p.Name); err != nil {
				mu.Lock()
				failed = append(failed, p.Name)
				errs.Add(fmt.Errorf("provider %s: %w", p.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)

	if err := f.state.Sync(ctx); err != nil && !errors.Is(err, proxystate.ErrNotStarted) {
		f.logger.Debug("sync after provider update failed", "error", err)
	}
	return failed, errs.Err()
}

// SortMode returns the saved member order.
func (f *ProxyFacade) SortMode() core.SortMode { return f.state.SortMode() }

// SetSortMode saves the member order and resyncs with it.
func (f *ProxyFacade) SetSortMode(ctx context.Context, mode core.SortMode) error {
	if f.display != nil {
		if err := f.display.SetSortMode(mode); err != nil {
			return err
		}
	}
	f.state.SetSortMode(mode)
	if err := f.state.Sync(ctx); err != nil && !errors.Is(err, proxystate.ErrNotStarted) {
		return err
	}
	return nil
}

// ProxyMode returns the saved tunnel mode.
func (f *ProxyFacade) ProxyMode() core.Mode {
	if f.display == nil {
		return core.ModeRule
	}
	return f.display.ProxyMode()
}

// SetProxyMode saves the tunnel mode and applies it to a running core.
func (f *ProxyFacade) SetProxyMode(ctx context.Context, mode core.Mode) error {
	if f.display != nil {
		if err := f.display.SetProxyMode(mode); err != nil {
			return err
		}
	}
	if !f.engine.IsRunning() {
		return nil
	}
	if err := f.client.SetMode(ctx, mode); err != nil {
		return err
	}
	if err := f.state.Sync(ctx); err != nil && !errors.Is(err, proxystate.ErrNotStarted) {
		return err
	}
	return nil
}
