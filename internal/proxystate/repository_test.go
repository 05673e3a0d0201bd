package proxystate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/core/coretest"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/store"
)

type fixture struct {
	fake       *coretest.Controller
	client     *core.Client
	selections *store.SelectionStore
	repo       *Repository
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fake := coretest.New(t)
	fake.AddProxy("HK-01", proxy.TypeShadowsocks, 120)
	fake.AddProxy("JP-01", proxy.TypeVmess, 80)
	fake.AddProxy("US-01", proxy.TypeTrojan, 0)
	fake.AddGroup("Auto", proxy.TypeURLTest, "JP-01", "HK-01", "JP-01", "US-01")
	fake.AddGroup("Proxy", proxy.TypeSelector, "Auto", "Auto", "HK-01", "DIRECT")
	fake.AddProxy("DIRECT", proxy.TypeDirect, 1)

	client := fake.Client(t)
	selections := store.NewSelectionStore(store.Memory())

	opts.Client = client
	opts.Selections = selections
	if opts.GroupSettle == 0 {
		opts.GroupSettle = time.Millisecond
	}
	if opts.AllSettle == 0 {
		opts.AllSettle = time.Millisecond
	}
	repo := New(opts)
	t.Cleanup(repo.Stop)

	return &fixture{fake: fake, client: client, selections: selections, repo: repo}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.repo.Start("p1", time.Hour)
	require.NoError(t, f.repo.Sync(context.Background()))
}

func TestSyncRequiresStart(t *testing.T) {
	f := newFixture(t, Options{})

	assert.ErrorIs(t, f.repo.Sync(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, f.repo.RefreshGroup(context.Background(), "Proxy"), ErrNotStarted)
}

func TestSyncBuildsSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	groups := f.repo.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "Auto", groups[0].Name)
	assert.Equal(t, "Proxy", groups[1].Name)

	assert.Equal(t, []string{"Auto", "JP-01"}, groups[0].ChainPath)
	assert.Equal(t, []string{"Proxy", "Auto", "JP-01"}, groups[1].ChainPath)

	auto, ok := groups[1].Member("Auto")
	require.True(t, ok)
	assert.Equal(t, "URLTest(JP-01)", auto.Subtitle)

	now, ok := f.repo.CurrentSelection("Proxy")
	require.True(t, ok)
	assert.Equal(t, "Auto", now)
}

func TestSyncPersistsSelectorChanges(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	saved, ok := f.selections.GetSelected("p1", "Proxy")
	require.True(t, ok)
	assert.Equal(t, "Auto", saved)

	// URLTest choices are the core's, not the user's.
	_, ok = f.selections.GetSelected("p1", "Auto")
	assert.False(t, ok)

	// A selection made by another controller client is picked up.
	require.NoError(t, f.client.PatchSelector(context.Background(), "Proxy", "DIRECT"))
	require.NoError(t, f.client.PatchForceSelector(context.Background(), "Auto", "US-01"))
	require.NoError(t, f.repo.Sync(context.Background()))

	saved, _ = f.selections.GetSelected("p1", "Proxy")
	assert.Equal(t, "DIRECT", saved)
	pin, ok := f.selections.GetPinned("p1", "Auto")
	require.True(t, ok)
	assert.Equal(t, "US-01", pin)
}

func TestBlankSelectionFallsBackToLastKnown(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	f.fake.AddGroup("Auto", proxy.TypeURLTest, "", "HK-01", "JP-01", "US-01")
	require.NoError(t, f.repo.Sync(context.Background()))

	g, ok := f.repo.FindGroup("Proxy")
	require.True(t, ok)
	assert.Equal(t, []string{"Proxy", "Auto", "JP-01"}, g.ChainPath)

	auto, ok := f.repo.FindGroup("Auto")
	require.True(t, ok)
	assert.Empty(t, auto.ChainPath)
}

func TestTestGroupDelay(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	require.NoError(t, f.repo.TestGroupDelay(context.Background(), "Auto"))

	d, ok := f.repo.CachedDelay("HK-01")
	require.True(t, ok)
	assert.Equal(t, 120, d)

	d, ok = f.repo.CachedDelay("US-01")
	require.True(t, ok)
	assert.Equal(t, proxy.DelayTimeout, d)

	g, _ := f.repo.FindGroup("Proxy")
	auto, _ := g.Member("Auto")
	assert.Equal(t, 80, auto.Delay)

	assert.Equal(t, 80, f.repo.ResolvedDelay("Proxy"))
	assert.Equal(t, 80, f.repo.ResolvedDelay("Auto"))
	assert.Equal(t, 120, f.repo.ResolvedDelay("HK-01"))
}

func TestTestGroupDelayUnknownGroup(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	assert.Error(t, f.repo.TestGroupDelay(context.Background(), "Nope"))
}

func TestTestAllDelay(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	require.NoError(t, f.repo.TestAllDelay(context.Background()))

	d, ok := f.repo.CachedDelay("JP-01")
	require.True(t, ok)
	assert.Equal(t, 80, d)
}

func TestCachedDelayUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	_, ok := f.repo.CachedDelay("JP-01")
	assert.False(t, ok)
	assert.Equal(t, proxy.DelayUnknown, f.repo.ResolvedDelay("JP-01"))
}

func TestSelectProxy(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	require.NoError(t, f.repo.SelectProxy(context.Background(), "Proxy", "HK-01"))

	assert.Equal(t, "HK-01", f.fake.Now("Proxy"))
	saved, _ := f.selections.GetSelected("p1", "Proxy")
	assert.Equal(t, "HK-01", saved)

	g, ok := f.repo.FindGroup("Proxy")
	require.True(t, ok)
	assert.Equal(t, "HK-01", g.Now)
	assert.Equal(t, []string{"Proxy", "HK-01"}, g.ChainPath)

	end, ok := f.repo.ResolveEndNode("Proxy")
	require.True(t, ok)
	assert.Equal(t, "HK-01", end.Name)
}

func TestSelectProxyErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	assert.ErrorIs(t, f.repo.SelectProxy(context.Background(), "Nope", "HK-01"), ErrGroupNotFound)
	assert.ErrorIs(t, f.repo.SelectProxy(context.Background(), "Auto", "HK-01"), ErrNotSelectable)
	assert.Error(t, f.repo.SelectProxy(context.Background(), "Proxy", "Missing"))

	assert.True(t, f.repo.IsSelectableGroup("Proxy"))
	assert.False(t, f.repo.IsSelectableGroup("Auto"))
}

func TestForceSelectProxy(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.repo.ForceSelectProxy(ctx, "Auto", "HK-01"))
	assert.Equal(t, "HK-01", f.fake.Fixed("Auto"))
	pin, ok := f.selections.GetPinned("p1", "Auto")
	require.True(t, ok)
	assert.Equal(t, "HK-01", pin)

	g, _ := f.repo.FindGroup("Auto")
	assert.Equal(t, "HK-01", g.Fixed)
	assert.Equal(t, "HK-01", g.Now)

	proxyGroup, _ := f.repo.FindGroup("Proxy")
	assert.Equal(t, []string{"Proxy", "Auto", "HK-01"}, proxyGroup.ChainPath)

	require.NoError(t, f.repo.ForceSelectProxy(ctx, "Auto", ""))
	assert.Empty(t, f.fake.Fixed("Auto"))
	_, ok = f.selections.GetPinned("p1", "Auto")
	assert.False(t, ok)

	g, _ = f.repo.FindGroup("Auto")
	assert.Empty(t, g.Fixed)

	assert.ErrorIs(t, f.repo.ForceSelectProxy(ctx, "Nope", "HK-01"), ErrGroupNotFound)
}

func TestRestoreSelections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.selections.SetSelected("p1", "Proxy", "HK-01"))
	require.NoError(t, f.selections.SetSelected("p1", "Auto", "US-01"))
	require.NoError(t, f.selections.SetPinned("p1", "Auto", "HK-01"))

	require.NoError(t, f.repo.RestoreSelections(ctx, "p1"))

	assert.Equal(t, "HK-01", f.fake.Now("Proxy"))
	assert.Equal(t, "HK-01", f.fake.Fixed("Auto"))
	// Only Selector groups take a plain selection.
	puts := 0
	for _, req := range f.fake.Requests() {
		if req == "PUT /proxies/Auto" {
			puts++
		}
	}
	assert.Equal(t, 1, puts)
}

func TestRestoreSelectionsSkipsStaleEntries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.selections.SetSelected("p1", "Proxy", "Gone"))
	require.NoError(t, f.repo.RestoreSelections(ctx, "p1"))
	assert.Equal(t, "Auto", f.fake.Now("Proxy"))

	require.NoError(t, f.selections.SetSelected("p1", "Removed", "HK-01"))
	err := f.repo.RestoreSelections(ctx, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Removed")
}

func TestRefreshGroup(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.Start("p1", time.Hour)

	require.NoError(t, f.repo.RefreshGroup(context.Background(), "Proxy"))
	require.Len(t, f.repo.Groups(), 1)

	require.NoError(t, f.client.PatchSelector(context.Background(), "Proxy", "DIRECT"))
	require.NoError(t, f.repo.RefreshGroup(context.Background(), "Proxy"))
	now, _ := f.repo.CurrentSelection("Proxy")
	assert.Equal(t, "DIRECT", now)
	require.Len(t, f.repo.Groups(), 1)

	assert.ErrorIs(t, f.repo.RefreshGroup(context.Background(), "Nope"), ErrGroupNotFound)
	assert.ErrorIs(t, f.repo.RefreshGroup(context.Background(), "HK-01"), ErrGroupNotFound)
}

func TestSortMode(t *testing.T) {
	f := newFixture(t, Options{SortMode: core.SortTitle})
	f.start(t)

	g, _ := f.repo.FindGroup("Proxy")
	assert.Equal(t, "Auto", g.Proxies[0].Name)
	assert.Equal(t, "DIRECT", g.Proxies[1].Name)

	f.repo.SetSortMode(core.SortDefault)
	assert.Equal(t, core.SortDefault, f.repo.SortMode())
}

func TestAutoSyncAndStop(t *testing.T) {
	f := newFixture(t, Options{})

	var snapshots atomic.Int32
	unsubscribe := f.repo.Subscribe(func(s proxy.Snapshot) {
		if len(s) > 0 {
			snapshots.Add(1)
		}
	})
	defer unsubscribe()

	f.repo.Start("p1", 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return snapshots.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	f.repo.StopAutoSync()
	assert.NotEmpty(t, f.repo.Groups())
	assert.False(t, f.repo.IsSyncing())

	f.repo.Stop()
	assert.Empty(t, f.repo.Groups())
	assert.Empty(t, f.repo.ProfileID())
	assert.ErrorIs(t, f.repo.Sync(context.Background()), ErrNotStarted)
}

func TestSyncFailsWhenCoreDown(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	f.fake.SetDown(true)
	assert.Error(t, f.repo.Sync(context.Background()))
	// The last good snapshot is kept.
	assert.Len(t, f.repo.Groups(), 2)
}

type recordingObserver struct {
	mu     sync.Mutex
	syncs  int
	failed int
	delays map[string]int
}

func (o *recordingObserver) ObserveSync(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncs++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) ObserveDelay(name string, delay int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays[name] = delay
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{delays: make(map[string]int)}
	f := newFixture(t, Options{Observer: obs})
	f.start(t)

	require.NoError(t, f.repo.TestGroupDelay(context.Background(), "Auto"))
	f.fake.SetDown(true)
	_ = f.repo.Sync(context.Background())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.syncs)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 120, obs.delays["HK-01"])
	assert.NotContains(t, obs.delays, "US-01")
}
