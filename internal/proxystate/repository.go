// Package proxystate mirrors the core's proxy groups: it syncs them
// periodically, caches delays, computes chain paths and persists the
// user's selections per profile.
package proxystate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/store"
	"github.com/yumelira/yumebox-go/internal/util"
)

var (
	ErrGroupNotFound = errors.New("proxy group not found")
	ErrNotStarted    = errors.New("proxy state not started")
	ErrNotSelectable = errors.New("only selector groups accept a selection")
)

const (
	DefaultSyncInterval = 5 * time.Second

	defaultGroupSettle = 500 * time.Millisecond
	defaultAllSettle   = time.Second
)

// Controller is the part of the core client the repository needs.
type Controller interface {
	QueryGroupNames(ctx context.Context, excludeNotSelectable bool) ([]string, error)
	QueryGroup(ctx context.Context, name string, mode core.SortMode) (proxy.Group, error)
	QueryGroups(ctx context.Context, names []string, mode core.SortMode) ([]proxy.Group, error)
	PatchSelector(ctx context.Context, group, name string) error
	PatchForceSelector(ctx context.Context, group, name string) error
	HealthCheck(ctx context.Context, group string) (map[string]int, error)
	HealthCheckAll(ctx context.Context) error
}

// Observer receives sync timings and fresh delays, e.g. for metrics.
type Observer interface {
	ObserveSync(d time.Duration, err error)
	ObserveDelay(name string, delay int)
}

// Options configures a Repository.
type Options struct {
	Client     Controller
	Selections *store.SelectionStore
	Resolver   *proxy.ChainResolver
	DelayTTL   time.Duration
	SortMode   core.SortMode

	// Time allowed for health checks to land before re-syncing.
	GroupSettle time.Duration
	AllSettle   time.Duration

	Observer Observer
	Logger   *slog.Logger
}

type groupState struct {
	now        string
	fixed      string
	lastUpdate time.Time
}

type stateChange struct {
	group      string
	selected   string
	pinChanged bool
	fixed      string
}

// Repository holds the latest proxy group snapshot.
type Repository struct {
	client      Controller
	selections  *store.SelectionStore
	resolver    *proxy.ChainResolver
	delays      *DelayCache
	observer    Observer
	logger      *slog.Logger
	groupSettle time.Duration
	allSettle   time.Duration

	mu        sync.RWMutex
	started   bool
	profileID string
	sortMode  core.SortMode
	groups    proxy.Snapshot
	states    map[string]groupState
	cancel    context.CancelFunc
	loopDone  chan struct{}

	syncMu  sync.Mutex
	syncing atomic.Bool

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(proxy.Snapshot)
}

// New creates a stopped repository.
func New(opts Options) *Repository {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("proxystate")
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = proxy.NewChainResolver(nil)
	}
	groupSettle := opts.GroupSettle
	if groupSettle <= 0 {
		groupSettle = defaultGroupSettle
	}
	allSettle := opts.AllSettle
	if allSettle <= 0 {
		allSettle = defaultAllSettle
	}
	return &Repository{
		client:      opts.Client,
		selections:  opts.Selections,
		resolver:    resolver,
		delays:      NewDelayCache(opts.DelayTTL),
		observer:    opts.Observer,
		logger:      logger,
		groupSettle: groupSettle,
		allSettle:   allSettle,
		sortMode:    opts.SortMode,
		states:      make(map[string]groupState),
		subs:        make(map[int]func(proxy.Snapshot)),
	}
}

// Start marks the repository active for profileID and syncs every interval.
// Calling Start again only switches the profile and resumes a stopped loop.
func (r *Repository) Start(profileID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	r.mu.Lock()
	r.profileID = profileID
	r.started = true
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.loopDone = done
	r.mu.Unlock()

	go r.loop(ctx, interval, done)
	r.logger.Debug("proxy state sync started", "profile_id", profileID, "interval", interval)
}

func (r *Repository) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Debug("auto sync failed", "error", err)
			}
		}
	}
}

// StopAutoSync stops the background loop and keeps the current snapshot.
func (r *Repository) StopAutoSync() {
	r.mu.Lock()
	cancel, done := r.cancel, r.loopDone
	r.cancel = nil
	r.loopDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Stop stops syncing and forgets every group.
func (r *Repository) Stop() {
	r.StopAutoSync()

	r.mu.Lock()
	r.started = false
	r.profileID = ""
	r.groups = nil
	r.states = make(map[string]groupState)
	r.mu.Unlock()

	r.publish(nil)
}

// ProfileID returns the profile selections are saved under.
func (r *Repository) ProfileID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profileID
}

// IsSyncing reports whether a sync is in flight.
func (r *Repository) IsSyncing() bool {
	return r.syncing.Load()
}

// SortMode returns the member order used for new snapshots.
func (r *Repository) SortMode() core.SortMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortMode
}

// SetSortMode changes the member order of future snapshots.
func (r *Repository) SetSortMode(m core.SortMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortMode = m
}

// Subscribe calls fn with every new snapshot until the returned func is called.
func (r *Repository) Subscribe(fn func(proxy.Snapshot)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Repository) publish(s proxy.Snapshot) {
	r.subMu.Lock()
	subs := make([]func(proxy.Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Sync fetches every group from the core and publishes a new snapshot.
// Groups that fail to load are left out.
func (r *Repository) Sync(ctx context.Context) error {
	r.mu.RLock()
	started, profileID, mode := r.started, r.profileID, r.sortMode
	r.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	r.syncing.Store(true)
	defer r.syncing.Store(false)

	start := time.Now()
	err := r.sync(ctx, profileID, mode)
	if r.observer != nil {
		r.observer.ObserveSync(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("sync proxy groups: %w", err)
	}
	return nil
}

func (r *Repository) sync(ctx context.Context, profileID string, mode core.SortMode) error {
	names, err := r.client.QueryGroupNames(ctx, false)
	if err != nil {
		return err
	}

	var groups []proxy.Group
	if len(names) > 0 {
		groups, err = r.client.QueryGroups(ctx, names, mode)
		if err != nil {
			return err
		}
	}
	r.cacheDelays(groups)

	r.mu.Lock()
	changes := r.trackLocked(groups)
	snapshot := r.enrichLocked(groups)
	r.groups = snapshot
	r.mu.Unlock()

	r.persist(profileID, changes)
	r.publish(snapshot)
	return nil
}

// RefreshGroup reloads a single group and republishes the snapshot.
func (r *Repository) RefreshGroup(ctx context.Context, name string) error {
	r.mu.RLock()
	started, profileID, mode := r.started, r.profileID, r.sortMode
	r.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	g, err := r.client.QueryGroup(ctx, name, mode)
	if err != nil {
		if util.IsNotFound(err) || errors.Is(err, core.ErrNotGroup) {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
		}
		return fmt.Errorf("refresh group %s: %w", name, err)
	}
	r.cacheDelays([]proxy.Group{g})

	r.mu.Lock()
	changes := r.trackLocked([]proxy.Group{g})
	groups := make([]proxy.Group, 0, len(r.groups)+1)
	replaced := false
	for _, existing := range r.groups {
		if existing.Name == name {
			existing = g
			replaced = true
		}
		groups = append(groups, existing)
	}
	if !replaced {
		groups = append(groups, g)
	}
	snapshot := r.enrichLocked(groups)
	r.groups = snapshot
	r.mu.Unlock()

	r.persist(profileID, changes)
	r.publish(snapshot)
	return nil
}

func (r *Repository) cacheDelays(groups []proxy.Group) {
	for _, g := range groups {
		for _, p := range g.Proxies {
			if r.delays.Update(p.Name, p.Delay) && r.observer != nil {
				r.observer.ObserveDelay(p.Name, p.Delay)
			}
		}
	}
}

// trackLocked records the new now/fixed of every group and returns what
// changed since the previous sync.
func (r *Repository) trackLocked(groups []proxy.Group) []stateChange {
	now := time.Now()
	var changes []stateChange
	for _, g := range groups {
		prev := r.states[g.Name]
		c := stateChange{group: g.Name}
		if g.Type == proxy.TypeSelector && g.HasSelection() && g.Now != prev.now {
			c.selected = g.Now
		}
		if g.Fixed != prev.fixed {
			c.pinChanged = true
			c.fixed = g.Fixed
		}
		if c.selected != "" || c.pinChanged {
			changes = append(changes, c)
		}
		current := g.Now
		if !g.HasSelection() {
			current = prev.now
		}
		r.states[g.Name] = groupState{now: current, fixed: g.Fixed, lastUpdate: now}
	}
	return changes
}

func (r *Repository) persist(profileID string, changes []stateChange) {
	if profileID == "" || r.selections == nil {
		return
	}
	for _, c := range changes {
		if c.selected != "" {
			if err := r.selections.SetSelected(profileID, c.group, c.selected); err != nil {
				r.logger.Warn("failed to save selection", "group", c.group, "error", err)
			}
		}
		if c.pinChanged {
			if err := r.selections.SetPinned(profileID, c.group, c.fixed); err != nil {
				r.logger.Warn("failed to save pin", "group", c.group, "error", err)
			}
		}
	}
}

// enrichLocked fills cached delays, describes nested groups as
// "Type(now)" with the delay of what they resolve to, and computes chain paths.
func (r *Repository) enrichLocked(groups []proxy.Group) proxy.Snapshot {
	delays := r.delays.Valid()
	chains := r.chainMapLocked(groups)

	out := make(proxy.Snapshot, 0, len(groups))
	for _, g := range groups {
		members := make([]proxy.Proxy, len(g.Proxies))
		for i, p := range g.Proxies {
			if d, ok := delays[p.Name]; ok && d > 0 {
				p.Delay = d
			}
			if p.Type.IsGroup() {
				if st, ok := r.states[p.Name]; ok && st.now != "" {
					p.Subtitle = fmt.Sprintf("%s(%s)", p.Type, st.now)
					if d := r.recursiveDelayLocked(st.now, delays, make(map[string]struct{})); d > 0 {
						p.Delay = d
					}
				}
			}
			members[i] = p
		}
		g.Proxies = members
		g.ChainPath = r.chainPathLocked(g, chains)
		out = append(out, g)
	}
	return out
}

// chainMapLocked indexes groups by name, filling a blank selection with the
// last one seen so a briefly empty group does not cut the path short.
func (r *Repository) chainMapLocked(groups []proxy.Group) map[string]proxy.Group {
	m := proxy.Snapshot(groups).Map()
	for name, g := range m {
		if g.HasSelection() {
			continue
		}
		if st, ok := r.states[name]; ok && st.now != "" {
			g.Now = st.now
			m[name] = g
		}
	}
	return m
}

func (r *Repository) chainPathLocked(g proxy.Group, chains map[string]proxy.Group) []string {
	if !g.Type.IsGroup() || !g.HasSelection() {
		return nil
	}
	return r.resolver.BuildChainPathFromMap(g.Name, g.Now, chains)
}

func (r *Repository) recursiveDelayLocked(name string, delays map[string]int, visited map[string]struct{}) int {
	if _, seen := visited[name]; seen {
		return 0
	}
	visited[name] = struct{}{}

	if st, ok := r.states[name]; ok && st.now != "" {
		if d := r.recursiveDelayLocked(st.now, delays, visited); d > 0 {
			return d
		}
	}
	if d := delays[name]; d > 0 {
		return d
	}
	return 0
}

// applySelection updates one group in place without a round trip to the core.
func (r *Repository) applySelection(group, now string, fixed *string) {
	r.mu.Lock()
	st := r.states[group]
	st.now = now
	if fixed != nil {
		st.fixed = *fixed
	}
	st.lastUpdate = time.Now()
	r.states[group] = st

	groups := make([]proxy.Group, len(r.groups))
	copy(groups, r.groups)
	for i := range groups {
		if groups[i].Name != group {
			continue
		}
		groups[i].Now = now
		if fixed != nil {
			groups[i].Fixed = *fixed
		}
	}
	snapshot := r.enrichLocked(groups)
	r.groups = snapshot
	r.mu.Unlock()

	r.publish(snapshot)
}

// SelectProxy selects name in a Selector group and remembers the choice.
func (r *Repository) SelectProxy(ctx context.Context, group, name string) error {
	g, ok := r.FindGroup(group)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if g.Type != proxy.TypeSelector {
		return fmt.Errorf("%s is %s: %w", group, g.Type, ErrNotSelectable)
	}
	if err := r.client.PatchSelector(ctx, group, name); err != nil {
		return fmt.Errorf("select %s in %s: %w", name, group, err)
	}

	if profileID := r.ProfileID(); profileID != "" && r.selections != nil {
		if err := r.selections.SetSelected(profileID, group, name); err != nil {
			r.logger.Warn("failed to save selection", "group", group, "error", err)
		}
	}
	r.applySelection(group, name, nil)
	logging.FromContext(logging.WithGroup(ctx, group)).Info("proxy selected", "proxy", name)
	return nil
}

// ForceSelectProxy pins name in any group; a blank name removes the pin and
// picks up whatever the group chooses next.
func (r *Repository) ForceSelectProxy(ctx context.Context, group, name string) error {
	if _, ok := r.FindGroup(group); !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if err := r.client.PatchForceSelector(ctx, group, name); err != nil {
		return fmt.Errorf("pin %q in %s: %w", name, group, err)
	}

	if profileID := r.ProfileID(); profileID != "" && r.selections != nil {
		if err := r.selections.SetPinned(profileID, group, name); err != nil {
			r.logger.Warn("failed to save pin", "group", group, "error", err)
		}
	}

	now := name
	if name == "" {
		g, err := r.client.QueryGroup(ctx, group, core.SortDefault)
		if err != nil {
			return fmt.Errorf("refresh %s after unpin: %w", group, err)
		}
		now = g.Now
	}
	r.applySelection(group, now, &name)
	return nil
}

// RestoreSelections re-applies the saved selections of profileID to the
// running core: Selector choices first, then pins. Stale entries are skipped.
func (r *Repository) RestoreSelections(ctx context.Context, profileID string) error {
	if r.selections == nil {
		return nil
	}
	logger := logging.FromContext(ctx)
	errs := util.NewMultiError()

	selections := r.selections.AllSelections(profileID)
	for _, group := range sortedKeys(selections) {
		name := selections[group]
		g, err := r.client.QueryGroup(ctx, group, core.SortDefault)
		if err != nil {
			errs.Add(fmt.Errorf("group %s: %w", group, err))
			continue
		}
		if g.Type != proxy.TypeSelector {
			continue
		}
		if _, ok := g.Member(name); !ok {
			logger.Debug("saved selection no longer exists", "group", group, "proxy", name)
			continue
		}
		if err := r.client.PatchSelector(ctx, group, name); err != nil {
			errs.Add(fmt.Errorf("group %s: %w", group, err))
			continue
		}
		r.rememberNow(group, name, nil)
	}

	pins := r.selections.AllPins(profileID)
	for _, group := range sortedKeys(pins) {
		name := pins[group]
		if err := r.client.PatchForceSelector(ctx, group, name); err != nil {
			errs.Add(fmt.Errorf("pin %s: %w", group, err))
			continue
		}
		r.rememberNow(group, name, &name)
	}

	logger.Debug("selections restored", "selections", len(selections), "pins", len(pins), "failed", errs.Len())
	return errs.Err()
}

func (r *Repository) rememberNow(group, now string, fixed *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[group]
	st.now = now
	if fixed != nil {
		st.fixed = *fixed
	}
	r.states[group] = st
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TestGroupDelay health checks group, waits for results to settle and re-syncs.
func (r *Repository) TestGroupDelay(ctx context.Context, group string) error {
	delays, err := r.client.HealthCheck(ctx, group)
	if err != nil {
		return fmt.Errorf("test %s: %w", group, err)
	}
	for name, d := range delays {
		if r.delays.Update(name, d) && r.observer != nil {
			r.observer.ObserveDelay(name, d)
		}
	}
	if err := sleep(ctx, r.groupSettle); err != nil {
		return err
	}
	return r.Sync(ctx)
}

// TestAllDelay health checks every group and re-syncs. Failed groups are
// reported but do not stop the sync.
func (r *Repository) TestAllDelay(ctx context.Context) error {
	checkErr := r.client.HealthCheckAll(ctx)
	if err := sleep(ctx, r.allSettle); err != nil {
		return err
	}
	return errors.Join(checkErr, r.Sync(ctx))
}

// RecordDelay caches a delay measured outside a group health check.
func (r *Repository) RecordDelay(name string, delay int) {
	if r.delays.Update(name, delay) && r.observer != nil {
		r.observer.ObserveDelay(name, delay)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Groups returns the latest snapshot.
func (r *Repository) Groups() proxy.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups
}

// FindGroup returns the named group from the latest snapshot.
func (r *Repository) FindGroup(name string) (proxy.Group, bool) {
	return r.Groups().Find(name)
}

// FindProxy returns the first member with the given name.
func (r *Repository) FindProxy(name string) (proxy.Proxy, bool) {
	return r.Groups().FindProxy(name)
}

// IsSelectableGroup reports whether name is a Selector group.
func (r *Repository) IsSelectableGroup(name string) bool {
	g, ok := r.FindGroup(name)
	return ok && g.Type == proxy.TypeSelector
}

// CurrentSelection returns the active member of group.
func (r *Repository) CurrentSelection(group string) (string, bool) {
	g, ok := r.FindGroup(group)
	if !ok || !g.HasSelection() {
		return "", false
	}
	return g.Now, true
}

// CachedDelay returns the freshest known delay of name.
func (r *Repository) CachedDelay(name string) (int, bool) {
	if d, ok := r.delays.Get(name); ok {
		return d, true
	}
	if p, ok := r.FindProxy(name); ok && p.Delay != proxy.DelayUnknown {
		return p.Delay, true
	}
	return proxy.DelayUnknown, false
}

// ResolvedDelay returns the delay a user sees for name: for a group, the
// delay of the node it currently resolves to.
func (r *Repository) ResolvedDelay(name string) int {
	delays := r.delays.Valid()

	r.mu.RLock()
	d := r.recursiveDelayLocked(name, delays, make(map[string]struct{}))
	groups := r.groups
	r.mu.RUnlock()
	if d > 0 {
		return d
	}

	if leaf, ok := r.resolver.ResolveEndNode(name, groups); ok {
		if d, ok := delays[leaf.Name]; ok {
			return d
		}
		if leaf.Delay != proxy.DelayUnknown {
			return leaf.Delay
		}
	}
	if p, ok := groups.FindProxy(name); ok {
		return p.Delay
	}
	return proxy.DelayUnknown
}

// ResolveEndNode returns the node traffic through name ends up on.
func (r *Repository) ResolveEndNode(name string) (proxy.Proxy, bool) {
	return r.resolver.ResolveEndNode(name, r.Groups())
}

// ChainPath returns the path from name through the current selections.
func (r *Repository) ChainPath(name string) []string {
	return r.resolver.BuildChainPath(name, r.Groups())
}
