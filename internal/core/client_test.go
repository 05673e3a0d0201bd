package core_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/core/coretest"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/util"
)

func newFake(t *testing.T) *coretest.Controller {
	fake := coretest.New(t)
	fake.AddProxy("HK-01", proxy.TypeShadowsocks, 120)
	fake.AddProxy("JP-01", proxy.TypeVmess, 80)
	fake.AddProxy("US-01", proxy.TypeTrojan, 0)
	fake.AddGroup("Auto", proxy.TypeURLTest, "JP-01", "HK-01", "JP-01", "US-01")
	fake.AddGroup("Proxy", proxy.TypeSelector, "Auto", "Auto", "HK-01", "DIRECT")
	fake.AddProxy("DIRECT", proxy.TypeDirect, 1)
	return fake
}

func TestVersion(t *testing.T) {
	fake := newFake(t)
	v, err := fake.Client(t).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretest.Version, v)
}

func TestSecretIsSent(t *testing.T) {
	fake := newFake(t)
	fake.SetSecret("s3cret")

	_, err := fake.Client(t).Version(context.Background())
	require.NoError(t, err)

	noSecret, err := core.NewClient(core.Options{Controller: fake.URL()})
	require.NoError(t, err)
	_, err = noSecret.Version(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrAuthFailed)

	var apiErr *core.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Message)
}

func TestNewClientRejectsBadController(t *testing.T) {
	_, err := core.NewClient(core.Options{Controller: "ftp://nope"})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)
}

func TestTransportErrorIsNotConnected(t *testing.T) {
	c, err := core.NewClient(core.Options{Controller: "127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Version(context.Background())
	require.Error(t, err)
	assert.True(t, util.IsUnavailable(err))
}

func TestQueryGroupNames(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	names, err := c.QueryGroupNames(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Auto", "Proxy"}, names)

	names, err = c.QueryGroupNames(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Proxy"}, names)

	fake.SetMode(core.ModeGlobal)
	names, err = c.QueryGroupNames(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"GLOBAL", "Auto", "Proxy"}, names)

	fake.SetMode(core.ModeDirect)
	names, err = c.QueryGroupNames(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestQueryGroup(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	_, err := c.HealthCheck(ctx, "Auto")
	require.NoError(t, err)

	g, err := c.QueryGroup(ctx, "Auto", core.SortDefault)
	require.NoError(t, err)
	assert.Equal(t, proxy.TypeURLTest, g.Type)
	assert.Equal(t, "JP-01", g.Now)
	require.Len(t, g.Proxies, 3)
	assert.Equal(t, "HK-01", g.Proxies[0].Name)
	assert.Equal(t, "Shadowsocks", g.Proxies[0].Subtitle)
	assert.Equal(t, 120, g.Proxies[0].Delay)
	assert.Equal(t, proxy.DelayTimeout, g.Proxies[2].Delay)

	g, err = c.QueryGroup(ctx, "Auto", core.SortDelay)
	require.NoError(t, err)
	assert.Equal(t, []string{"JP-01", "HK-01", "US-01"}, names(g.Proxies))

	g, err = c.QueryGroup(ctx, "Proxy", core.SortTitle)
	require.NoError(t, err)
	assert.Equal(t, []string{"Auto", "DIRECT", "HK-01"}, names(g.Proxies))
	assert.Equal(t, proxy.DelayUnknown, g.Proxies[0].Delay)
}

func TestQueryGroupErrors(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)

	_, err := c.QueryGroup(context.Background(), "missing", core.SortDefault)
	assert.True(t, util.IsNotFound(err))

	_, err = c.QueryGroup(context.Background(), "HK-01", core.SortDefault)
	assert.ErrorIs(t, err, core.ErrNotGroup)
}

func TestQueryGroupsSkipsBadNames(t *testing.T) {
	fake := newFake(t)
	groups, err := fake.Client(t).QueryGroups(context.Background(), []string{"Proxy", "missing", "Auto"}, core.SortDefault)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Proxy", groups[0].Name)
	assert.Equal(t, "Auto", groups[1].Name)
}

func TestPatchSelector(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	require.NoError(t, c.PatchSelector(ctx, "Proxy", "HK-01"))
	assert.Equal(t, "HK-01", fake.Now("Proxy"))

	err := c.PatchSelector(ctx, "Proxy", "nope")
	var apiErr *core.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	err = c.PatchSelector(ctx, "missing group", "HK-01")
	assert.True(t, util.IsNotFound(err))
}

func TestPatchForceSelector(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	require.NoError(t, c.PatchForceSelector(ctx, "Auto", "HK-01"))
	assert.Equal(t, "HK-01", fake.Fixed("Auto"))

	require.NoError(t, c.PatchForceSelector(ctx, "Auto", " "))
	assert.Empty(t, fake.Fixed("Auto"))
	assert.Contains(t, fake.Requests(), "DELETE /proxies/Auto")
}

func TestTestDelay(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	d, err := c.TestDelay(ctx, "JP-01")
	require.NoError(t, err)
	assert.Equal(t, 80, d)

	d, err = c.TestDelay(ctx, "US-01")
	require.NoError(t, err)
	assert.Equal(t, proxy.DelayTimeout, d)

	_, err = c.TestDelay(ctx, "missing")
	assert.True(t, util.IsNotFound(err))
}

func TestHealthCheckAll(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)

	require.NoError(t, c.HealthCheckAll(context.Background()))

	reqs := fake.Requests()
	assert.Contains(t, reqs, "GET /group/Auto/delay")
	assert.Contains(t, reqs, "GET /group/Proxy/delay")
}

func TestHealthCheckAllCollectsFailures(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)

	fake.SetDown(true)
	err := c.HealthCheckAll(context.Background())
	require.Error(t, err)
	assert.True(t, util.IsUnavailable(err) || errors.As(err, new(*core.APIError)))
}

func TestConfigs(t *testing.T) {
	fake := newFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	o, err := c.QueryConfigs(ctx)
	require.NoError(t, err)
	require.NotNil(t, o.MixedPort)
	assert.Equal(t, 7890, *o.MixedPort)
	require.NotNil(t, o.Mode)
	assert.Equal(t, core.ModeRule, *o.Mode)

	allow := true
	stack := "gvisor"
	require.NoError(t, c.PatchConfigs(ctx, core.Override{
		AllowLAN: &allow,
		Tun:      &core.TunOverride{Stack: &stack, IncludePackage: []string{"org.example"}},
	}))
	assert.Equal(t, true, fake.Config("allow-lan"))
	assert.NotNil(t, fake.Config("tun"))

	require.NoError(t, c.SetMode(ctx, core.ModeGlobal))
	mode, err := c.QueryMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.ModeGlobal, mode)

	before := len(fake.Requests())
	require.NoError(t, c.PatchConfigs(ctx, core.Override{}))
	assert.Len(t, fake.Requests(), before, "empty override must not reach the core")
}

func TestReloadConfig(t *testing.T) {
	fake := newFake(t)
	require.NoError(t, fake.Client(t).ReloadConfig(context.Background(), "/data/imported/x/config.yaml"))
	assert.Equal(t, []string{"/data/imported/x/config.yaml"}, fake.Reloaded())
}

func TestProviders(t *testing.T) {
	fake := newFake(t)
	fake.AddProvider(core.ProviderProxy, "sub-b", "HTTP")
	fake.AddProvider(core.ProviderProxy, "sub-a", "HTTP")
	fake.AddProvider(core.ProviderProxy, "default", "Compatible")
	fake.AddProvider(core.ProviderRule, "ads", "HTTP")
	c := fake.Client(t)
	ctx := context.Background()

	list, err := c.QueryProviders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "sub-a", list[0].Name)
	assert.Equal(t, core.ProviderProxy, list[0].Kind)
	assert.Equal(t, "sub-b", list[1].Name)
	assert.Equal(t, core.ProviderRule, list[2].Kind)
	assert.False(t, list[0].UpdatedAt.IsZero())

	require.NoError(t, c.UpdateProvider(ctx, "", "sub-a"))
	require.NoError(t, c.UpdateProvider(ctx, core.ProviderRule, "ads"))
	assert.Equal(t, []string{"proxies/sub-a", "rules/ads"}, fake.UpdatedProviders())
}

func TestConnections(t *testing.T) {
	fake := newFake(t)
	fake.AddConnection("a")
	fake.AddConnection("b")
	fake.AddConnection("c")
	c := fake.Client(t)
	ctx := context.Background()

	conns, err := c.QueryConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 3)

	require.NoError(t, c.CloseConnection(ctx, "a"))
	assert.Equal(t, 2, fake.Connections())

	require.NoError(t, c.CloseAllConnections(ctx))
	assert.Equal(t, 0, fake.Connections())
}

func TestStreamTraffic(t *testing.T) {
	fake := newFake(t)
	fake.SetTraffic(core.TrafficSample{Up: 10, Down: 20}, core.TrafficSample{Up: 30, Down: 40})

	var got []core.TrafficSample
	err := fake.Client(t).StreamTraffic(context.Background(), func(s core.TrafficSample) {
		got = append(got, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []core.TrafficSample{{Up: 10, Down: 20}, {Up: 30, Down: 40}}, got)
}

func TestParseModeAndSort(t *testing.T) {
	m, err := core.ParseMode(" Global ")
	require.NoError(t, err)
	assert.Equal(t, core.ModeGlobal, m)
	_, err = core.ParseMode("script")
	assert.Error(t, err)

	s, err := core.ParseSortMode("delay")
	require.NoError(t, err)
	assert.Equal(t, core.SortDelay, s)
	assert.Equal(t, "delay", s.String())
	_, err = core.ParseSortMode("random")
	assert.Error(t, err)
}

func TestOverrideMerge(t *testing.T) {
	port := 7890
	ipv6 := true
	level := "debug"

	base := core.Override{MixedPort: &port, LogLevel: &level}
	merged := base.Merge(core.Override{IPv6: &ipv6})

	assert.Equal(t, &port, merged.MixedPort)
	assert.Equal(t, &ipv6, merged.IPv6)
	assert.Equal(t, &level, merged.LogLevel)
	assert.True(t, core.Override{}.IsEmpty())
	assert.False(t, merged.IsEmpty())
}

func names(ps []proxy.Proxy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}
