// Package coretest provides an in-memory fake of the core's external
// controller for tests.
package coretest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/proxy"
)

// Version is what the fake reports on /version.
const Version = "v1.19.0-fake"

type entry struct {
	Name    string
	Type    proxy.Type
	Now     string
	Fixed   string
	All     []string
	Delay   int // next test result; <= 0 times out
	History []int
}

type provider struct {
	Kind      core.ProviderKind
	Vehicle   string
	UpdatedAt time.Time
}

// Controller is a fake controller backed by an httptest.Server.
type Controller struct {
	server *httptest.Server

	mu        sync.Mutex
	secret    string
	mode      core.Mode
	configs   map[string]any
	proxies   map[string]*entry
	order     []string
	providers map[string]*provider
	updated   []string
	reloaded  []string
	conns     map[string]bool
	traffic   []core.TrafficSample
	requests  []string
	down      bool
}

// New starts a fake controller in rule mode and closes it when t ends.
func New(t testing.TB) *Controller {
	c := &Controller{
		mode:      core.ModeRule,
		configs:   map[string]any{"mixed-port": 7890, "allow-lan": false, "ipv6": false, "log-level": "info"},
		proxies:   make(map[string]*entry),
		providers: make(map[string]*provider),
		conns:     make(map[string]bool),
	}
	c.server = httptest.NewServer(c.routes())
	t.Cleanup(c.server.Close)
	return c
}

// URL returns the controller base URL.
func (c *Controller) URL() string {
	return c.server.URL
}

// Client returns a core.Client pointed at the fake.
func (c *Controller) Client(t testing.TB) *core.Client {
	c.mu.Lock()
	secret := c.secret
	c.mu.Unlock()

	client, err := core.NewClient(core.Options{Controller: c.URL(), Secret: secret, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("core.NewClient: %v", err)
	}
	return client
}

// SetSecret requires a bearer secret on every request.
func (c *Controller) SetSecret(secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = secret
}

// SetMode sets the tunnel mode.
func (c *Controller) SetMode(mode core.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Mode returns the tunnel mode.
func (c *Controller) Mode() core.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetDown makes every request fail with 503 until called with false.
func (c *Controller) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// AddProxy adds a plain proxy whose delay tests return delay.
func (c *Controller) AddProxy(name string, typ proxy.Type, delay int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(&entry{Name: name, Type: typ, Delay: delay})
}

// AddGroup adds a group with the given members and selection.
func (c *Controller) AddGroup(name string, typ proxy.Type, now string, members ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(&entry{Name: name, Type: typ, Now: now, All: append([]string{}, members...)})
}

func (c *Controller) add(e *entry) {
	if _, ok := c.proxies[e.Name]; !ok {
		c.order = append(c.order, e.Name)
	}
	c.proxies[e.Name] = e
}

// SetDelay changes the result of future delay tests for name.
func (c *Controller) SetDelay(name string, delay int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.proxies[name]; ok {
		e.Delay = delay
	}
}

// Now returns a group's current selection.
func (c *Controller) Now(group string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.proxies[group]; ok {
		return e.Now
	}
	return ""
}

// Fixed returns a group's pinned member.
func (c *Controller) Fixed(group string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.proxies[group]; ok {
		return e.Fixed
	}
	return ""
}

// Config returns a value last set through PATCH /configs.
func (c *Controller) Config(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs[key]
}

// AddProvider registers a provider. Vehicle "Compatible" marks an inline one.
func (c *Controller) AddProvider(kind core.ProviderKind, name, vehicle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[string(kind)+"/"+name] = &provider{Kind: kind, Vehicle: vehicle, UpdatedAt: time.Unix(1700000000, 0).UTC()}
}

// UpdatedProviders returns "kind/name" for every provider update received.
func (c *Controller) UpdatedProviders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updated...)
}

// Reloaded returns every config path passed to PUT /configs.
func (c *Controller) Reloaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reloaded...)
}

// AddConnection registers an open connection.
func (c *Controller) AddConnection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = true
}

// Connections returns the number of open connections.
func (c *Controller) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// SetTraffic sets the samples written by the next /traffic stream.
func (c *Controller) SetTraffic(samples ...core.TrafficSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traffic = samples
}

// Requests returns "METHOD /path" for every request served.
func (c *Controller) Requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requests...)
}

func (c *Controller) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", c.handleVersion)
	mux.HandleFunc("GET /configs", c.handleGetConfigs)
	mux.HandleFunc("PATCH /configs", c.handlePatchConfigs)
	mux.HandleFunc("PUT /configs", c.handleReload)
	mux.HandleFunc("GET /proxies", c.handleProxies)
	mux.HandleFunc("GET /proxies/{name}", c.handleProxy)
	mux.HandleFunc("PUT /proxies/{name}", c.handleSelect)
	mux.HandleFunc("DELETE /proxies/{name}", c.handleUnfix)
	mux.HandleFunc("GET /proxies/{name}/delay", c.handleProxyDelay)
	mux.HandleFunc("GET /group/{name}/delay", c.handleGroupDelay)
	mux.HandleFunc("GET /providers/{kind}", c.handleProviders)
	mux.HandleFunc("PUT /providers/{kind}/{name}", c.handleUpdateProvider)
	mux.HandleFunc("GET /connections", c.handleConnections)
	mux.HandleFunc("DELETE /connections", c.handleCloseAll)
	mux.HandleFunc("DELETE /connections/{id}", c.handleClose)
	mux.HandleFunc("GET /traffic", c.handleTraffic)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.requests = append(c.requests, r.Method+" "+r.URL.Path)
		secret, down := c.secret, c.down
		c.mu.Unlock()

		if down {
			writeError(w, http.StatusServiceUnavailable, "core is down")
			return
		}
		if secret != "" && r.Header.Get("Authorization") != "Bearer "+secret {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (c *Controller) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": Version, "meta": true})
}

func (c *Controller) handleGetConfigs(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	out := map[string]any{"mode": string(c.mode)}
	for k, v := range c.configs {
		out[k] = v
	}
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (c *Controller) handlePatchConfigs(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Body invalid")
		return
	}
	c.mu.Lock()
	for k, v := range patch {
		if k == "mode" {
			if s, ok := v.(string); ok {
				c.mode = core.Mode(strings.ToLower(s))
			}
			continue
		}
		c.configs[k] = v
	}
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleReload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Body invalid")
		return
	}
	c.mu.Lock()
	c.reloaded = append(c.reloaded, body.Path)
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// render must be called with c.mu held.
func (c *Controller) render(e *entry) map[string]any {
	history := make([]map[string]any, 0, len(e.History))
	for _, d := range e.History {
		history = append(history, map[string]any{"time": "2024-01-01T00:00:00Z", "delay": d})
	}
	out := map[string]any{
		"name":    e.Name,
		"type":    string(e.Type),
		"history": history,
	}
	if e.All != nil {
		out["all"] = e.All
		out["now"] = e.Now
		out["fixed"] = e.Fixed
	}
	return out
}

func (c *Controller) handleProxies(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	table := make(map[string]any, len(c.proxies)+1)
	for name, e := range c.proxies {
		table[name] = c.render(e)
	}
	table[core.GlobalGroup] = c.render(&entry{
		Name: core.GlobalGroup,
		Type: proxy.TypeSelector,
		All:  append([]string{}, c.order...),
	})
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"proxies": table})
}

func (c *Controller) handleProxy(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.proxies[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, c.render(e))
}

func (c *Controller) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Body invalid")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.proxies[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if e.All == nil {
		writeError(w, http.StatusBadRequest, "Must be a Selector")
		return
	}
	member := false
	for _, m := range e.All {
		if m == body.Name {
			member = true
			break
		}
	}
	if !member {
		writeError(w, http.StatusBadRequest, "Selector update error: Proxy does not exist")
		return
	}
	e.Now = body.Name
	if e.Type != proxy.TypeSelector {
		e.Fixed = body.Name
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleUnfix(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.proxies[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	e.Fixed = ""
	w.WriteHeader(http.StatusNoContent)
}

// test must be called with c.mu held.
func (c *Controller) test(e *entry) int {
	d := e.Delay
	if d <= 0 {
		d = 0
	}
	e.History = append(e.History, d)
	return d
}

func (c *Controller) handleProxyDelay(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("url") == "" {
		writeError(w, http.StatusBadRequest, "Body invalid")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.proxies[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if d := c.test(e); d > 0 {
		writeJSON(w, http.StatusOK, map[string]int{"delay": d})
		return
	}
	writeError(w, http.StatusRequestTimeout, "Timeout")
}

func (c *Controller) handleGroupDelay(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.proxies[r.PathValue("name")]
	if !ok || g.All == nil {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	out := make(map[string]int)
	for _, name := range g.All {
		e, ok := c.proxies[name]
		if !ok || e.All != nil {
			continue
		}
		if d := c.test(e); d > 0 {
			out[name] = d
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Controller) handleProviders(w http.ResponseWriter, r *http.Request) {
	kind := core.ProviderKind(r.PathValue("kind"))
	c.mu.Lock()
	out := make(map[string]any)
	for key, p := range c.providers {
		if p.Kind != kind {
			continue
		}
		name := strings.TrimPrefix(key, string(kind)+"/")
		out[name] = map[string]any{
			"name":        name,
			"type":        "Proxy",
			"vehicleType": p.Vehicle,
			"updatedAt":   p.UpdatedAt.Format(time.RFC3339),
		}
	}
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (c *Controller) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("kind") + "/" + r.PathValue("name")
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[key]
	if !ok {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if p.Vehicle == "Fail" {
		writeError(w, http.StatusServiceUnavailable, "update failed")
		return
	}
	c.updated = append(c.updated, key)
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleConnections(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	list := make([]map[string]any, 0, len(c.conns))
	for id := range c.conns {
		list = append(list, map[string]any{"id": id, "chains": []string{"DIRECT"}})
	}
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"connections": list})
}

func (c *Controller) handleCloseAll(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	c.conns = make(map[string]bool)
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleClose(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	delete(c.conns, r.PathValue("id"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleTraffic(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	samples := append([]core.TrafficSample(nil), c.traffic...)
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
