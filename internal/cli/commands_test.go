package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/api"
	"github.com/yumelira/yumebox-go/internal/proxy"
)

type recorded struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeDaemon answers each route with a fixed JSON body and records requests.
type fakeDaemon struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]any
	status   int
}

func newFakeDaemon(t *testing.T, routes map[string]any) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	d := &fakeDaemon{routes: routes, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.requests = append(d.requests, recorded{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   string(body),
			Auth:   r.Header.Get("Authorization"),
		})
		status := d.status
		d.mu.Unlock()

		resp, ok := d.routes[r.Method+" "+r.URL.RequestURI()]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *fakeDaemon) last() recorded {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[len(d.requests)-1]
}

func runCtl(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewCommands()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--api", srv.URL, "--token", "secret"}, args...))
	err := root.Execute()
	return out.String(), err
}

func sampleGroups() proxy.Snapshot {
	return proxy.Snapshot{
		{
			Name:      "Proxy",
			Type:      proxy.TypeSelector,
			Now:       "Auto",
			Proxies:   []proxy.Proxy{{Name: "Auto", Type: proxy.TypeURLTest}, {Name: "HK-01", Type: proxy.TypeShadowsocks, Delay: 120}},
			ChainPath: []string{"Proxy", "Auto", "JP-01"},
		},
		{
			Name:    "Auto",
			Type:    proxy.TypeURLTest,
			Now:     "JP-01",
			Fixed:   "JP-01",
			Proxies: []proxy.Proxy{{Name: "JP-01", Type: proxy.TypeVmess, Delay: 80}, {Name: "US-01", Type: proxy.TypeTrojan, Delay: -1}},
		},
	}
}

func TestNewAPIClient(t *testing.T) {
	c := NewAPIClient("http://localhost:7895/", "tok")
	assert.Equal(t, "http://localhost:7895", c.BaseURL)
	assert.Equal(t, "tok", c.Token)
	assert.NotNil(t, c.Client)
	assert.NotNil(t, c.Out)
}

func TestAPIClient_call(t *testing.T) {
	d, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/version": map[string]string{"version": "1.0.0"},
	})

	c := NewAPIClient(srv.URL, "secret")
	var out map[string]string
	require.NoError(t, c.getJSON("/api/v1/version", &out))
	assert.Equal(t, "1.0.0", out["version"])
	assert.Equal(t, "Bearer secret", d.last().Auth)

	err := c.getJSON("/api/v1/missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "not found")
}

func TestAPIClient_callPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewAPIClient(srv.URL, "").call(http.MethodPost, "/x", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestFormatDelay(t *testing.T) {
	assert.Equal(t, "120 ms", formatDelay(120))
	assert.Equal(t, "timeout", formatDelay(-1))
	assert.Equal(t, "-", formatDelay(0))
}

func TestStatusCommand(t *testing.T) {
	_, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/status": map[string]any{
			"version":   "1.2.0",
			"running":   true,
			"profile":   map[string]any{"id": "p1", "name": "Home"},
			"mode":      "rule",
			"sort_mode": "delay",
			"traffic":   map[string]any{"notification": "↓ 1 KB/s ↑ 2 KB/s | Total 3 MB"},
		},
	})

	out, err := runCtl(t, srv, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Core: running")
	assert.Contains(t, out, "Profile: Home")
	assert.Contains(t, out, "Mode: rule")
	assert.Contains(t, out, "Total 3 MB")
}

func TestGroupsCommands(t *testing.T) {
	groups := sampleGroups()
	d, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/groups":              groups,
		"GET /api/v1/groups?refresh=true": groups,
		"GET /api/v1/groups/Auto":         groups[1],
		"PUT /api/v1/groups/Proxy":        proxy.Group{Name: "Proxy", Now: "HK-01"},
		"PUT /api/v1/groups/Auto/pin":     proxy.Group{Name: "Auto", Now: "US-01"},
	})

	out, err := runCtl(t, srv, "groups")
	require.NoError(t, err)
	assert.Contains(t, out, "Proxy -> Auto -> JP-01")
	assert.Contains(t, out, "JP-01 (pinned)")

	_, err = runCtl(t, srv, "groups", "--refresh")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/groups?refresh=true", d.last().Path)

	out, err = runCtl(t, srv, "group", "Auto")
	require.NoError(t, err)
	assert.Contains(t, out, "Auto (URLTest)")
	assert.Contains(t, out, "80 ms")
	assert.Contains(t, out, "timeout")

	out, err = runCtl(t, srv, "select", "Proxy", "HK-01")
	require.NoError(t, err)
	assert.Contains(t, out, "Proxy -> HK-01")
	assert.JSONEq(t, `{"name":"HK-01"}`, d.last().Body)

	out, err = runCtl(t, srv, "pin", "Auto", "US-01")
	require.NoError(t, err)
	assert.Contains(t, out, "Auto pinned to US-01")

	_, err = runCtl(t, srv, "unpin", "Auto")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":""}`, d.last().Body)

	_, err = runCtl(t, srv, "select", "Proxy")
	require.Error(t, err)
}

func TestChainAndResolveCommands(t *testing.T) {
	_, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/groups/Proxy/chain": api.ChainResponse{
			Group: "Proxy",
			Path:  []string{"Proxy", "Auto", "JP-01"},
			End:   &proxy.Proxy{Name: "JP-01", Type: proxy.TypeVmess, Delay: 80},
			Delay: 80,
		},
		"GET /api/v1/proxies/Proxy/resolve": api.ChainResponse{
			End:   &proxy.Proxy{Name: "JP-01", Type: proxy.TypeVmess},
			Delay: -1,
		},
		"GET /api/v1/proxies/HK-01/delay":             api.DelayResponse{Name: "HK-01", Delay: 120},
		"GET /api/v1/proxies/HK-01/delay?cached=true": api.DelayResponse{Name: "HK-01"},
	})

	out, err := runCtl(t, srv, "chain", "Proxy")
	require.NoError(t, err)
	assert.Contains(t, out, "Path: Proxy -> Auto -> JP-01")
	assert.Contains(t, out, "End node: JP-01 (Vmess)")

	out, err = runCtl(t, srv, "resolve", "Proxy")
	require.NoError(t, err)
	assert.Contains(t, out, "End node: JP-01")
	assert.Contains(t, out, "Delay: timeout")

	out, err = runCtl(t, srv, "delay", "HK-01")
	require.NoError(t, err)
	assert.Contains(t, out, "HK-01: 120 ms")

	out, err = runCtl(t, srv, "delay", "HK-01", "--cached")
	require.NoError(t, err)
	assert.Contains(t, out, "no cached delay")
}

func TestModeSortOverrideCommands(t *testing.T) {
	d, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/settings/mode": api.ModeRequest{Mode: "rule"},
		"PUT /api/v1/settings/mode": api.ModeRequest{Mode: "global"},
		"PUT /api/v1/settings/sort": api.SortRequest{Sort: "delay"},
		"GET /api/v1/override":      map[string]any{"mixed-port": 7890},
		"PATCH /api/v1/override":    map[string]any{"mixed-port": 7777, "allow-lan": true},
	})

	out, err := runCtl(t, srv, "mode")
	require.NoError(t, err)
	assert.Contains(t, out, "Mode: rule")

	out, err = runCtl(t, srv, "mode", "global")
	require.NoError(t, err)
	assert.Contains(t, out, "Mode: global")

	out, err = runCtl(t, srv, "sort", "delay")
	require.NoError(t, err)
	assert.Contains(t, out, "Sort: delay")

	out, err = runCtl(t, srv, "override")
	require.NoError(t, err)
	assert.Contains(t, out, "7890")
	assert.Equal(t, http.MethodGet, d.last().Method)

	out, err = runCtl(t, srv, "override", "--mixed-port", "7777", "--allow-lan")
	require.NoError(t, err)
	assert.Contains(t, out, "7777")
	assert.JSONEq(t, `{"mixed-port":7777,"allow-lan":true}`, d.last().Body)
}

func TestProvidersAndConnectionsCommands(t *testing.T) {
	d, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/providers":                   []map[string]any{{"name": "sub", "kind": "proxies", "vehicleType": "HTTP"}},
		"POST /api/v1/providers/update":           api.ProvidersUpdateResponse{Failed: []string{"bad"}},
		"POST /api/v1/providers/rules/ads/update": map[string]string{"message": "ok"},
		"GET /api/v1/connections": []map[string]any{{
			"id": "c1", "upload": 2048, "download": 4096, "chains": []string{"HK-01", "Proxy"}, "rule": "Match",
			"metadata": map[string]string{"host": "example.com", "destinationPort": "443"},
		}},
		"DELETE /api/v1/connections":    map[string]string{"message": "ok"},
		"DELETE /api/v1/connections/c1": map[string]string{"message": "ok"},
	})

	out, err := runCtl(t, srv, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sub")

	_, err = runCtl(t, srv, "providers", "update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	out, err = runCtl(t, srv, "providers", "update", "rules", "ads")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider ads updated")

	_, err = runCtl(t, srv, "providers", "update", "rules")
	require.Error(t, err)

	out, err = runCtl(t, srv, "connections", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "example.com:443")
	assert.Contains(t, out, "HK-01 <- Proxy")

	_, err = runCtl(t, srv, "connections", "close", "c1")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/connections/c1", d.last().Path)

	_, err = runCtl(t, srv, "connections", "close-all")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, d.last().Method)
	assert.Equal(t, "/api/v1/connections", d.last().Path)
}

func TestProfilesCommands(t *testing.T) {
	view := map[string]any{"id": "p1", "name": "Home", "enabled": true, "source": "example.com", "info": "Updated just now"}
	d, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/profiles":            []any{view},
		"POST /api/v1/profiles":           view,
		"PUT /api/v1/profiles/p1":         view,
		"POST /api/v1/profiles/p1/update": view,
		"DELETE /api/v1/profiles/p1":      map[string]string{"message": "ok"},
		"PUT /api/v1/profiles/order":      map[string]string{"message": "ok"},
		"POST /api/v1/profiles/cleanup":   map[string]int{"removed": 2},
	})

	out, err := runCtl(t, srv, "profiles", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Home")
	assert.Contains(t, out, "example.com")

	out, err = runCtl(t, srv, "profiles", "add", "--url", "https://example.com/sub", "--name", "Home")
	require.NoError(t, err)
	assert.Contains(t, out, "Profile Home imported (p1)")
	assert.JSONEq(t, `{"name":"Home","type":"url","url":"https://example.com/sub"}`, d.last().Body)

	_, err = runCtl(t, srv, "profiles", "add", "--name", "x")
	require.Error(t, err)

	_, err = runCtl(t, srv, "profiles", "edit", "p1", "--auto-update", "60")
	require.NoError(t, err)
	assert.JSONEq(t, `{"auto_update_minutes":60}`, d.last().Body)

	_, err = runCtl(t, srv, "profiles", "edit", "p1")
	require.Error(t, err)

	out, err = runCtl(t, srv, "profiles", "update", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "Profile Home updated")

	out, err = runCtl(t, srv, "profiles", "rm", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "Profile p1 removed")

	_, err = runCtl(t, srv, "profiles", "order", "p1")
	require.NoError(t, err)

	out, err = runCtl(t, srv, "profiles", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2")
}

func TestTrafficAndNetInfoCommands(t *testing.T) {
	_, srv := newFakeDaemon(t, map[string]any{
		"GET /api/v1/traffic": map[string]any{
			"notification": "↓ 1 KB/s ↑ 0 B/s | Total 1 MB",
			"today":        map[string]int64{"upload": 1024, "download": 2048},
		},
		"GET /api/v1/traffic/days?days=2": []map[string]any{
			{"date": "2026-10-17", "upload": 1, "download": 2},
			{"date": "2026-10-18", "upload": 3, "download": 4},
		},
		"GET /api/v1/netinfo":          map[string]any{"local_ip": "192.168.1.2"},
		"POST /api/v1/netinfo/refresh": map[string]any{"local_ip": "192.168.1.2", "external": map[string]string{"ip": "1.2.3.4", "country": "Japan"}},
	})

	out, err := runCtl(t, srv, "traffic")
	require.NoError(t, err)
	assert.Contains(t, out, "Total 1 MB")
	assert.Contains(t, out, "Today:")

	out, err = runCtl(t, srv, "traffic", "--days", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-10-17")
	assert.Contains(t, out, "2026-10-18")

	out, err = runCtl(t, srv, "netinfo")
	require.NoError(t, err)
	assert.Contains(t, out, "Local IP: 192.168.1.2")
	assert.Contains(t, out, "External IP: -")

	out, err = runCtl(t, srv, "netinfo", "--refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "External IP: 1.2.3.4 (Japan)")
}

func TestDashboardURL(t *testing.T) {
	c := NewAPIClient("http://127.0.0.1:7895", "a b")
	assert.Equal(t, "http://127.0.0.1:7895/?token=a%20b", c.DashboardURL())

	c.Token = ""
	assert.Equal(t, "http://127.0.0.1:7895/", c.DashboardURL())
}
