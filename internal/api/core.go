package api

import (
	"net/http"
	"strconv"

	"github.com/yumelira/yumebox-go/internal/traffic"
)

// StartRequest picks the profile to run. Blank means the last used one.
type StartRequest struct {
	Profile string `json:"profile"`
}

func (a *API) handleCoreStatus(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"running": a.proxy.IsRunning()})
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := a.proxy.StartProxy(r.Context(), req.Profile); err != nil {
		writeError(w, err)
		return
	}
	a.handleStatus(w, r)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.proxy.StopProxy(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	a.handleStatus(w, r)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.proxy.ReloadCurrentProfile(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "profile reloaded")
}

// TrafficResponse is the current rate and the session total.
type TrafficResponse struct {
	Now          traffic.Data `json:"now"`
	Total        traffic.Data `json:"total"`
	Today        traffic.Data `json:"today"`
	Notification string       `json:"notification"`
}

func (a *API) trafficResponse() TrafficResponse {
	resp := TrafficResponse{
		Now:   a.traffic.Now(),
		Total: a.traffic.Total(),
	}
	if a.stats != nil {
		today := a.stats.Today()
		resp.Today = traffic.Data{Upload: today.Upload, Download: today.Download}
	}
	resp.Notification = traffic.NotificationText(resp.Now, resp.Total)
	return resp
}

func (a *API) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if a.traffic == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "traffic collection disabled"})
		return
	}
	writeJSON(w, http.StatusOK, a.trafficResponse())
}

func (a *API) handleTrafficDays(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeJSON(w, http.StatusOK, []traffic.DailySummary{})
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "days must be a positive number"})
			return
		}
		days = n
	}
	writeJSON(w, http.StatusOK, a.stats.Days(days))
}

func (a *API) handleTrafficProfiles(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeJSON(w, http.StatusOK, []traffic.ProfileUsage{})
		return
	}
	usages := a.stats.ProfileUsages()
	if usages == nil {
		usages = []traffic.ProfileUsage{}
	}
	writeJSON(w, http.StatusOK, usages)
}

func (a *API) handleNetInfo(w http.ResponseWriter, r *http.Request) {
	if a.netinfo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "network info disabled"})
		return
	}
	writeJSON(w, http.StatusOK, a.netinfo.Info())
}

func (a *API) handleNetInfoRefresh(w http.ResponseWriter, r *http.Request) {
	if a.netinfo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "network info disabled"})
		return
	}
	// A failed lookup is reported in LastError.
	_ = a.netinfo.Refresh(r.Context())
	writeJSON(w, http.StatusOK, a.netinfo.Info())
}
