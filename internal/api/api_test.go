package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/core/coretest"
	"github.com/yumelira/yumebox-go/internal/engine"
	"github.com/yumelira/yumebox-go/internal/facade"
	"github.com/yumelira/yumebox-go/internal/health"
	"github.com/yumelira/yumebox-go/internal/metrics"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/proxystate"
	"github.com/yumelira/yumebox-go/internal/store"
	"github.com/yumelira/yumebox-go/internal/traffic"
)

const testConfig = `
proxies:
  - {name: HK-01, type: ss, server: 1.2.3.4, port: 443}
`

type fakeEngine struct {
	mu      sync.Mutex
	running bool
	path    string
}

func (e *fakeEngine) Start(_ context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.path = path
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

func (e *fakeEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) Status() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return engine.Status{State: engine.StateRunning, ConfigPath: e.path}
	}
	return engine.Status{State: engine.StateStopped}
}

type testEnv struct {
	fake     *coretest.Controller
	engine   *fakeEngine
	profiles *facade.ProfilesFacade
	proxy    *facade.ProxyFacade
	metrics  *metrics.Metrics
	hub      *WebSocketHub
	health   *health.Manager
	srv      *httptest.Server
	token    string
	dir      string
}

func newEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	fake := coretest.New(t)
	fake.AddProxy("HK-01", proxy.TypeShadowsocks, 120)
	fake.AddProxy("JP-01", proxy.TypeVmess, 80)
	fake.AddGroup("Auto", proxy.TypeURLTest, "JP-01", "HK-01", "JP-01")
	fake.AddGroup("Proxy", proxy.TypeSelector, "Auto", "Auto", "HK-01", "JP-01")
	client := fake.Client(t)

	dir := t.TempDir()
	repo, err := profile.OpenRepository(filepath.Join(dir, "profiles.yaml"))
	require.NoError(t, err)

	kv := store.Memory()
	selections := store.NewSelectionStore(kv)
	profiles := facade.NewProfilesFacade(facade.ProfilesOptions{
		Repository: repo,
		Downloader: profile.NewDownloader(dir, profile.WithRetries(0, 0)),
		Selections: selections,
		App:        store.NewAppSettings(kv),
	})
	t.Cleanup(profiles.Close)

	state := proxystate.New(proxystate.Options{
		Client:      client,
		Selections:  selections,
		GroupSettle: time.Millisecond,
		AllSettle:   time.Millisecond,
	})
	t.Cleanup(state.Stop)

	eng := &fakeEngine{}
	proxyFacade := facade.NewProxyFacade(facade.ProxyOptions{
		Engine:       eng,
		Client:       client,
		State:        state,
		Profiles:     profiles,
		Display:      store.NewDisplaySettings(kv),
		Network:      store.NewNetworkSettings(kv),
		App:          store.NewAppSettings(kv),
		SyncInterval: time.Hour,
	})

	stats, err := traffic.OpenStatistics("")
	require.NoError(t, err)

	m := metrics.New()
	hub := NewWebSocketHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	checks := health.NewManager()

	a := New(Config{
		Health:   checks,
		Proxy:    proxyFacade,
		Profiles: profiles,
		Engine:   eng,
		Traffic:  traffic.NewCollector(traffic.CollectorConfig{Source: client, Stats: stats}),
		Stats:    stats,
		Hub:      hub,
		Metrics:  m.Handler(),
		Recorder: metrics.NewCollector(m, nil),
		Token:    token,
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		fake:     fake,
		engine:   eng,
		profiles: profiles,
		proxy:    proxyFacade,
		metrics:  m,
		hub:      hub,
		health:   checks,
		srv:      srv,
		token:    token,
		dir:      dir,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) importFile(t *testing.T, name string) ProfileView {
	t.Helper()
	src := filepath.Join(e.dir, name+".yaml")
	require.NoError(t, os.WriteFile(src, []byte(testConfig), 0600))

	code, body := e.do(t, http.MethodPost, "/api/v1/profiles", ImportRequest{Name: name, Path: src})
	require.Equal(t, http.StatusCreated, code, string(body))
	var view ProfileView
	require.NoError(t, json.Unmarshal(body, &view))
	return view
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestAuthentication(t *testing.T) {
	env := newEnv(t, "secret")

	resp, err := http.Get(env.srv.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/v1/status?token=secret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, _ := env.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, code)

	// Metrics and the dashboard are served without a token.
	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "YumeBox")
}

type staticCheck bool

func (c staticCheck) Check(context.Context) health.Result {
	return health.Result{Healthy: bool(c), Timestamp: time.Now()}
}

func (staticCheck) Type() string { return "static" }

func TestHealthCheckByName(t *testing.T) {
	env := newEnv(t, "")
	env.health.Register("controller", staticCheck(false), time.Hour, nil)

	code, body := env.do(t, http.MethodGet, "/api/v1/health?check=controller", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[health.Result](t, body).Healthy)

	code, body = env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", decode[map[string]any](t, body)["status"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/health?check=missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthVersionStatus(t *testing.T) {
	env := newEnv(t, "")

	code, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", decode[map[string]any](t, body)["status"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/version", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[StatusResponse](t, body)
	assert.False(t, status.Running)
	assert.Nil(t, status.Profile)
	assert.Equal(t, core.ModeRule, status.Mode)
	require.NotNil(t, status.Core)
	assert.Equal(t, engine.StateStopped, status.Core.State)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues("GET", "/api/v1/status", "200")))
}

func TestProfileEndpoints(t *testing.T) {
	env := newEnv(t, "")
	view := env.importFile(t, "Home")
	assert.Equal(t, profile.TypeFile, view.Type)
	assert.Equal(t, "Local configuration", view.Info)
	assert.Equal(t, "Local file", view.Source)

	code, body := env.do(t, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]ProfileView](t, body), 1)

	code, body = env.do(t, http.MethodGet, "/api/v1/profiles/home", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, view.ID, decode[ProfileView](t, body).ID)

	name := "Renamed"
	code, body = env.do(t, http.MethodPut, "/api/v1/profiles/"+view.ID, EditRequest{Name: &name})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "Renamed", decode[ProfileView](t, body).Name)

	code, _ = env.do(t, http.MethodGet, "/api/v1/profiles/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/profiles", ImportRequest{Type: profile.TypeURL, URL: "ftp://example.com/sub"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/profiles", map[string]string{"bogus": "field"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/profiles/cleanup", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, decode[map[string]int](t, body)["removed"])

	code, _ = env.do(t, http.MethodDelete, "/api/v1/profiles/"+view.ID, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]ProfileView](t, body))
}

func TestStartSelectAndChain(t *testing.T) {
	env := newEnv(t, "")
	view := env.importFile(t, "Home")

	code, body := env.do(t, http.MethodPut, "/api/v1/groups/Proxy", SelectRequest{Name: "HK-01"})
	assert.Equal(t, http.StatusServiceUnavailable, code, string(body))

	code, body = env.do(t, http.MethodPost, "/api/v1/core/start", StartRequest{Profile: view.ID})
	require.Equal(t, http.StatusOK, code, string(body))
	status := decode[StatusResponse](t, body)
	assert.True(t, status.Running)
	require.NotNil(t, status.Profile)
	assert.Equal(t, "Home", status.Profile.Name)

	code, body = env.do(t, http.MethodGet, "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[proxy.Snapshot](t, body), 2)

	code, body = env.do(t, http.MethodGet, "/api/v1/groups/Proxy/chain", nil)
	require.Equal(t, http.StatusOK, code)
	chain := decode[ChainResponse](t, body)
	assert.Equal(t, []string{"Proxy", "Auto", "JP-01"}, chain.Path)
	require.NotNil(t, chain.End)
	assert.Equal(t, "JP-01", chain.End.Name)

	code, body = env.do(t, http.MethodPut, "/api/v1/groups/Proxy", SelectRequest{Name: "HK-01"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "HK-01", decode[proxy.Group](t, body).Now)
	assert.Equal(t, "HK-01", env.fake.Now("Proxy"))

	code, _ = env.do(t, http.MethodPut, "/api/v1/groups/Auto", SelectRequest{Name: "HK-01"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPut, "/api/v1/groups/Auto/pin", SelectRequest{Name: "HK-01"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "HK-01", env.fake.Fixed("Auto"))

	code, _ = env.do(t, http.MethodPut, "/api/v1/groups/Missing", SelectRequest{Name: "HK-01"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/proxies/Proxy/resolve", nil)
	require.Equal(t, http.StatusOK, code)
	resolved := decode[ChainResponse](t, body)
	require.NotNil(t, resolved.End)
	assert.Equal(t, "HK-01", resolved.End.Name)

	code, body = env.do(t, http.MethodGet, "/api/v1/proxies/JP-01/delay", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, DelayResponse{Name: "JP-01", Delay: 80}, decode[DelayResponse](t, body))

	code, body = env.do(t, http.MethodGet, "/api/v1/proxies/JP-01/delay?cached=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, DelayResponse{Name: "JP-01", Delay: 80, Cached: true}, decode[DelayResponse](t, body))

	code, _ = env.do(t, http.MethodDelete, "/api/v1/profiles/"+view.ID, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/core/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[StatusResponse](t, body).Running)
}

func TestStartWithoutProfile(t *testing.T) {
	env := newEnv(t, "")
	code, body := env.do(t, http.MethodPost, "/api/v1/core/start", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "no profile")
}

func TestSettingsAndOverride(t *testing.T) {
	env := newEnv(t, "")
	view := env.importFile(t, "Home")
	code, _ := env.do(t, http.MethodPost, "/api/v1/core/start", StartRequest{Profile: view.ID})
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodPut, "/api/v1/settings/mode", ModeRequest{Mode: "Global"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, core.ModeGlobal, env.fake.Mode())

	code, _ = env.do(t, http.MethodPut, "/api/v1/settings/mode", ModeRequest{Mode: "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPut, "/api/v1/settings/sort", SortRequest{Sort: "delay"})
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = env.do(t, http.MethodGet, "/api/v1/settings/sort", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.SortDelay.String(), decode[SortRequest](t, body).Sort)

	port := 7777
	code, body = env.do(t, http.MethodPatch, "/api/v1/override", core.Override{MixedPort: &port})
	require.Equal(t, http.StatusOK, code, string(body))
	o := decode[core.Override](t, body)
	require.NotNil(t, o.MixedPort)
	assert.Equal(t, 7777, *o.MixedPort)
}

func TestProvidersAndConnections(t *testing.T) {
	env := newEnv(t, "")
	env.fake.AddProvider(core.ProviderProxy, "good", "HTTP")
	env.fake.AddProvider(core.ProviderProxy, "bad", "Fail")
	env.fake.AddConnection("c1")
	env.fake.AddConnection("c2")

	code, body := env.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]core.Provider](t, body), 2)

	code, body = env.do(t, http.MethodPost, "/api/v1/providers/update", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"bad"}, decode[ProvidersUpdateResponse](t, body).Failed)

	code, _ = env.do(t, http.MethodPost, "/api/v1/providers/bogus/good/update", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]core.Connection](t, body), 2)

	code, _ = env.do(t, http.MethodDelete, "/api/v1/connections/c1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.fake.Connections())

	code, _ = env.do(t, http.MethodDelete, "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.fake.Connections())
}

func TestTrafficAndNetInfo(t *testing.T) {
	env := newEnv(t, "")

	code, body := env.do(t, http.MethodGet, "/api/v1/traffic", nil)
	require.Equal(t, http.StatusOK, code)
	resp := decode[TrafficResponse](t, body)
	assert.True(t, resp.Now.IsZero())
	assert.NotEmpty(t, resp.Notification)

	code, _ = env.do(t, http.MethodGet, "/api/v1/traffic/days?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/traffic/days?days=3", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]traffic.DailySummary](t, body), 3)

	code, _ = env.do(t, http.MethodGet, "/api/v1/netinfo", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestWebSocketEvents(t *testing.T) {
	env := newEnv(t, "secret")
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/ws?token=secret"

	ws, err := websocket.Dial(wsURL, "", "http://localhost/")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.Message.Send(ws, "ping"))
	var reply string
	require.NoError(t, websocket.Message.Receive(ws, &reply))
	assert.Equal(t, "pong", reply)
	assert.Equal(t, 1, env.hub.ClientCount())

	env.hub.Broadcast(EventCoreState, CoreStateEvent{State: "running"})
	var ev Event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	assert.Equal(t, EventCoreState, ev.Type)
	assert.Equal(t, map[string]any{"state": "running"}, ev.Data)

	// The hub only takes one client.
	second, err := websocket.Dial(wsURL, "", "http://localhost/")
	require.NoError(t, err)
	defer second.Close()
	var rejected errorBody
	require.NoError(t, websocket.JSON.Receive(second, &rejected))
	assert.Equal(t, "too many clients", rejected.Error)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(proxystate.ErrGroupNotFound))
	assert.Equal(t, http.StatusBadRequest, statusOf(profile.ErrInvalidProfile))
	assert.Equal(t, http.StatusConflict, statusOf(profile.ErrDownloadInProgress))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(proxystate.ErrNotStarted))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.ErrUnexpectedEOF))
}

func TestIsLocalOrigin(t *testing.T) {
	assert.True(t, isLocalOrigin("http://localhost:3000"))
	assert.True(t, isLocalOrigin("http://127.0.0.1"))
	assert.False(t, isLocalOrigin("http://localhost.evil.com"))
	assert.False(t, isLocalOrigin("https://example.com"))
}
