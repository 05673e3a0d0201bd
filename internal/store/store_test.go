package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/core"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestStorePersists(t *testing.T) {
	s, path := openTemp(t)

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.SetBool("b", true))
	require.NoError(t, s.SetInt("c", 42))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "1", reopened.String("a", ""))
	assert.True(t, reopened.Bool("b", false))
	assert.Equal(t, 42, reopened.Int("c", 0))
}

func TestStoreDefaults(t *testing.T) {
	s := Memory()
	require.NoError(t, s.Set("bad", "not-a-number"))

	assert.Equal(t, "x", s.String("missing", "x"))
	assert.True(t, s.Bool("missing", true))
	assert.Equal(t, 7, s.Int("bad", 7))
	assert.False(t, s.Bool("bad", false))
}

func TestStoreDeleteAndKeys(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.SetMany(map[string]string{"p.b": "2", "p.a": "1", "q": "3"}))

	assert.Equal(t, []string{"p.a", "p.b"}, s.Keys("p."))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, s.WithPrefix("p."))

	require.NoError(t, s.Delete("p.a", "missing"))
	_, ok := s.Get("p.a")
	assert.False(t, ok)
}

func TestOpenMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.Keys(""))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("a: [unterminated"), 0600))
	_, err = Open(bad)
	assert.Error(t, err)
}

func TestSelectionStore(t *testing.T) {
	s, path := openTemp(t)
	sel := NewSelectionStore(s)

	require.NoError(t, sel.SetSelected("p1", "Proxy", "HK-01"))
	require.NoError(t, sel.SetSelected("p1", "Video", "JP-01"))
	require.NoError(t, sel.SetSelected("p2", "Proxy", "US-01"))
	require.NoError(t, sel.SetPinned("p1", "Auto", "JP-01"))

	v, ok := sel.GetSelected("p1", "Proxy")
	require.True(t, ok)
	assert.Equal(t, "HK-01", v)
	assert.Equal(t, map[string]string{"Proxy": "HK-01", "Video": "JP-01"}, sel.AllSelections("p1"))
	assert.Equal(t, map[string]string{"Auto": "JP-01"}, sel.AllPins("p1"))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Proxy": "US-01"}, NewSelectionStore(reopened).AllSelections("p2"))

	require.NoError(t, sel.SetPinned("p1", "Auto", " "))
	_, ok = sel.GetPinned("p1", "Auto")
	assert.False(t, ok)

	require.NoError(t, sel.RemoveSelected("p1", "Video"))
	assert.Equal(t, map[string]string{"Proxy": "HK-01"}, sel.AllSelections("p1"))

	require.NoError(t, sel.SetSelections("p1", map[string]string{"Other": "DIRECT"}))
	assert.Equal(t, map[string]string{"Other": "DIRECT"}, sel.AllSelections("p1"))

	require.NoError(t, sel.Clear("p1"))
	assert.Empty(t, sel.AllSelections("p1"))
	assert.Len(t, sel.AllSelections("p2"), 1)
}

func TestDisplaySettings(t *testing.T) {
	d := NewDisplaySettings(Memory())

	assert.Equal(t, core.SortDefault, d.SortMode())
	assert.Equal(t, DisplayDoubleSimple, d.DisplayMode())
	assert.Equal(t, core.ModeRule, d.ProxyMode())

	require.NoError(t, d.SetSortMode(core.SortDelay))
	require.NoError(t, d.SetDisplayMode(DisplaySingleDetailed))
	require.NoError(t, d.SetProxyMode(core.ModeGlobal))

	assert.Equal(t, core.SortDelay, d.SortMode())
	assert.Equal(t, DisplaySingleDetailed, d.DisplayMode())
	assert.Equal(t, core.ModeGlobal, d.ProxyMode())

	_, err := ParseDisplayMode("triple")
	assert.Error(t, err)
}

func TestNetworkSettingsOverrideDefaults(t *testing.T) {
	n := NewNetworkSettings(Memory())

	o := n.Override()
	require.NotNil(t, o.AllowLAN)
	assert.False(t, *o.AllowLAN)
	require.NotNil(t, o.IPv6)
	assert.False(t, *o.IPv6)
	assert.Nil(t, o.LogLevel)
	assert.Nil(t, o.MixedPort)

	require.NotNil(t, o.Tun)
	assert.True(t, *o.Tun.Enable)
	assert.Equal(t, "system", *o.Tun.Stack)
	assert.NotEmpty(t, o.Tun.DNSHijack)
	assert.Contains(t, o.Tun.RouteExclude, "192.168.0.0/16")
	assert.Empty(t, o.Tun.IncludePackage)
	assert.Empty(t, o.Tun.ExcludePackage)
}

func TestNetworkSettingsOverride(t *testing.T) {
	n := NewNetworkSettings(Memory())

	require.NoError(t, n.SetAllowLAN(true))
	require.NoError(t, n.SetIPv6(true))
	require.NoError(t, n.SetLogLevel("warning"))
	require.NoError(t, n.SetMixedPort(7891))
	require.NoError(t, n.SetTunStack("gVisor"))
	require.NoError(t, n.SetDNSHijack(false))
	require.NoError(t, n.SetBypassPrivate(false))
	require.NoError(t, n.SetAccessControl(AccessDenySpecific, []string{"b.app", "a.app"}))

	o := n.Override()
	assert.True(t, *o.AllowLAN)
	assert.True(t, *o.IPv6)
	assert.Equal(t, "warning", *o.LogLevel)
	assert.Equal(t, 7891, *o.MixedPort)
	assert.Equal(t, "gvisor", *o.Tun.Stack)
	assert.Empty(t, o.Tun.DNSHijack)
	assert.Empty(t, o.Tun.RouteExclude)
	assert.Equal(t, []string{"a.app", "b.app"}, o.Tun.ExcludePackage)

	require.NoError(t, n.SetAccessControl(AccessAllowSpecific, []string{"a.app"}))
	assert.Equal(t, []string{"a.app"}, n.Override().Tun.IncludePackage)

	require.NoError(t, n.SetMode(NetworkHTTP))
	o = n.Override()
	assert.False(t, *o.Tun.Enable)
	assert.Nil(t, o.Tun.Stack)
}

func TestNetworkSettingsValidation(t *testing.T) {
	n := NewNetworkSettings(Memory())

	assert.Error(t, n.SetMode("bridge"))
	assert.Error(t, n.SetLogLevel("verbose"))
	assert.Error(t, n.SetMixedPort(70000))
	assert.Error(t, n.SetTunStack("lwip"))
	assert.Error(t, n.SetAccessControl("block", nil))
}

func TestAppSettings(t *testing.T) {
	a := NewAppSettings(Memory())

	assert.False(t, a.AutoStart())
	assert.True(t, a.AutoRestart())
	assert.True(t, a.TrafficNotification())
	assert.Empty(t, a.LastProfileID())

	require.NoError(t, a.SetAutoStart(true))
	require.NoError(t, a.SetAutoRestart(false))
	require.NoError(t, a.SetLastProfileID("abc"))
	require.NoError(t, a.SetCustomUserAgent("  clash-verge  "))
	require.NoError(t, a.SetTestURL("https://cp.cloudflare.com"))
	require.NoError(t, a.SetTrafficNotification(false))

	assert.True(t, a.AutoStart())
	assert.False(t, a.AutoRestart())
	assert.False(t, a.TrafficNotification())
	assert.Equal(t, "abc", a.LastProfileID())
	assert.Equal(t, "clash-verge", a.CustomUserAgent())
	assert.Equal(t, "https://cp.cloudflare.com", a.TestURL())
}
