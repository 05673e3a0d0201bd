package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/proxystate"
)

// param returns an unescaped URL parameter; group names often carry
// spaces and emoji.
func param(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

func boolQuery(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// SelectRequest names the proxy to select or pin.
type SelectRequest struct {
	Name string `json:"name"`
}

// ChainResponse describes where a group's traffic ends up.
type ChainResponse struct {
	Group string       `json:"group"`
	Path  []string     `json:"path"`
	End   *proxy.Proxy `json:"end,omitempty"`
	Delay int          `json:"delay"`
}

// DelayResponse is a proxy's latency.
type DelayResponse struct {
	Name   string `json:"name"`
	Delay  int    `json:"delay"`
	Cached bool   `json:"cached"`
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if boolQuery(r, "refresh") {
		if err := a.proxy.RefreshProxyGroups(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	groups := a.proxy.Groups()
	if groups == nil {
		groups = proxy.Snapshot{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if boolQuery(r, "refresh") {
		if err := a.proxy.RefreshGroup(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
	}
	a.writeGroup(w, name)
}

func (a *API) writeGroup(w http.ResponseWriter, name string) {
	g, ok := a.proxy.FindGroup(name)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", proxystate.ErrGroupNotFound, name))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := param(r, "name")
	if err := a.proxy.SelectProxy(r.Context(), name, req.Name); err != nil {
		writeError(w, err)
		return
	}
	a.writeGroup(w, name)
}

// handlePin pins a member of an automatic group; an empty name unpins.
func (a *API) handlePin(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := param(r, "name")
	if err := a.proxy.ForceSelectProxy(r.Context(), name, req.Name); err != nil {
		writeError(w, err)
		return
	}
	a.writeGroup(w, name)
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if err := a.proxy.HealthCheck(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	a.writeGroup(w, name)
}

func (a *API) handleHealthCheckAll(w http.ResponseWriter, r *http.Request) {
	if err := a.proxy.HealthCheckAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "health check finished")
}

func (a *API) handleChain(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if _, ok := a.proxy.FindGroup(name); !ok {
		writeError(w, fmt.Errorf("%w: %s", proxystate.ErrGroupNotFound, name))
		return
	}
	resp := ChainResponse{
		Group: name,
		Path:  a.proxy.ChainPath(name),
		Delay: a.proxy.ResolvedDelay(name),
	}
	if resp.Path == nil {
		resp.Path = []string{}
	}
	if end, ok := a.proxy.ResolveProxyEndNode(name); ok {
		resp.End = &end
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDelay(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	if boolQuery(r, "cached") {
		delay, ok := a.proxy.CachedDelay(name)
		if !ok {
			delay = proxy.DelayUnknown
		}
		writeJSON(w, http.StatusOK, DelayResponse{Name: name, Delay: delay, Cached: ok})
		return
	}

	delay, err := a.proxy.TestDelay(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DelayResponse{Name: name, Delay: delay})
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := param(r, "name")
	end, ok := a.proxy.ResolveProxyEndNode(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no end node for " + name})
		return
	}
	resp := ChainResponse{
		Group: name,
		Path:  a.proxy.ChainPath(name),
		End:   &end,
		Delay: a.proxy.ResolvedDelay(name),
	}
	if resp.Path == nil {
		resp.Path = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ModeRequest sets the core's tunnel mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// SortRequest sets the member order of groups.
type SortRequest struct {
	Sort string `json:"sort"`
}

func (a *API) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModeRequest{Mode: string(a.proxy.ProxyMode())})
}

func (a *API) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := core.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := a.proxy.SetProxyMode(r.Context(), mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModeRequest{Mode: string(mode)})
}

func (a *API) handleGetSort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SortRequest{Sort: a.proxy.SortMode().String()})
}

func (a *API) handleSetSort(w http.ResponseWriter, r *http.Request) {
	var req SortRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := core.ParseSortMode(req.Sort)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := a.proxy.SetSortMode(r.Context(), mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SortRequest{Sort: mode.String()})
}

func (a *API) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	o, err := a.proxy.QueryOverride(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) handlePatchOverride(w http.ResponseWriter, r *http.Request) {
	var o core.Override
	if err := decodeBody(r, &o); err != nil {
		writeError(w, err)
		return
	}
	if err := a.proxy.ApplyOverride(r.Context(), o); err != nil {
		writeError(w, err)
		return
	}
	a.handleGetOverride(w, r)
}

func (a *API) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := a.proxy.QueryProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if providers == nil {
		providers = []core.Provider{}
	}
	writeJSON(w, http.StatusOK, providers)
}

// ProvidersUpdateResponse lists providers that failed to update.
type ProvidersUpdateResponse struct {
	Failed []string `json:"failed"`
	Error  string   `json:"error,omitempty"`
}

func (a *API) handleUpdateAllProviders(w http.ResponseWriter, r *http.Request) {
	failed, err := a.proxy.UpdateAllProviders(r.Context())
	if err != nil && len(failed) == 0 {
		writeError(w, err)
		return
	}
	resp := ProvidersUpdateResponse{Failed: failed}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	kind := core.ProviderKind(param(r, "kind"))
	if kind != core.ProviderProxy && kind != core.ProviderRule {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown provider kind %q", kind)})
		return
	}
	if err := a.proxy.UpdateProvider(r.Context(), kind, param(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "provider updated")
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.proxy.Connections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if conns == nil {
		conns = []core.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (a *API) handleCloseAllConnections(w http.ResponseWriter, r *http.Request) {
	if err := a.proxy.CloseAllConnections(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "connections closed")
}

func (a *API) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	if err := a.proxy.CloseConnection(r.Context(), param(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "connection closed")
}
