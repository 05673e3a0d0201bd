package api

import (
	"net/http"
	"time"

	"github.com/yumelira/yumebox-go/internal/profile"
)

// ProfileView is a profile with the state the dashboard shows next to it.
type ProfileView struct {
	profile.Profile
	Info        string     `json:"info"`
	Source      string     `json:"source"`
	Downloading bool       `json:"downloading"`
	NextUpdate  *time.Time `json:"next_update,omitempty"`
}

func (a *API) view(p profile.Profile, now time.Time) ProfileView {
	v := ProfileView{
		Profile:     p,
		Info:        p.InfoText(now),
		Source:      p.DisplayProvider(),
		Downloading: a.profiles.Downloading(p.ID),
	}
	if next, ok := a.profiles.NextUpdate(p.ID); ok {
		v.NextUpdate = &next
	}
	return v
}

// ImportRequest adds a profile from a subscription URL or a local file.
type ImportRequest struct {
	Name              string       `json:"name"`
	Type              profile.Type `json:"type"`
	URL               string       `json:"url,omitempty"`
	Path              string       `json:"path,omitempty"`
	AutoUpdateMinutes int          `json:"auto_update_minutes,omitempty"`
}

// EditRequest changes profile details. Nil fields are kept.
type EditRequest struct {
	Name              *string `json:"name,omitempty"`
	URL               *string `json:"url,omitempty"`
	AutoUpdateMinutes *int    `json:"auto_update_minutes,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
}

// OrderRequest is the new display order of profiles.
type OrderRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	all := a.profiles.All()
	views := make([]ProfileView, 0, len(all))
	for _, p := range all {
		views = append(views, a.view(p, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Find(param(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(p, time.Now()))
}

// progress forwards download progress to websocket clients.
func (a *API) progress(id string) profile.Progress {
	if a.hub == nil {
		return nil
	}
	return func(message string, percent int) {
		a.hub.Broadcast(EventProfileProgress, ProfileProgressEvent{ID: id, Message: message, Percent: percent})
	}
}

func (a *API) handleImportProfile(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = profile.TypeURL
		if req.URL == "" && req.Path != "" {
			req.Type = profile.TypeFile
		}
	}

	p, err := a.profiles.Import(r.Context(), profile.Profile{
		Name:              req.Name,
		Type:              req.Type,
		RemoteURL:         req.URL,
		SourcePath:        req.Path,
		AutoUpdateMinutes: req.AutoUpdateMinutes,
	}, a.progress(req.Name))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(p, time.Now()))
}

func (a *API) handleEditProfile(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.profiles.Find(param(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.URL != nil {
		p.RemoteURL = *req.URL
	}
	if req.AutoUpdateMinutes != nil {
		p.AutoUpdateMinutes = *req.AutoUpdateMinutes
	}
	p, err = a.profiles.Edit(p)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled != nil {
		if err := a.profiles.SetEnabled(p.ID, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		if p, err = a.profiles.Get(p.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, a.view(p, time.Now()))
}

func (a *API) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Find(param(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if current, ok := a.proxy.CurrentProfile(); ok && current.ID == p.ID {
		writeJSON(w, http.StatusConflict, errorBody{Error: "profile is running, stop the core first"})
		return
	}
	if err := a.profiles.Remove(p.ID); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "profile removed")
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Find(param(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	p, err = a.profiles.Update(r.Context(), p.ID, a.progress(p.ID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(p, time.Now()))
}

func (a *API) handleUpdateAllProfiles(w http.ResponseWriter, r *http.Request) {
	if err := a.profiles.UpdateAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, "profiles updated")
}

func (a *API) handleReorderProfiles(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.profiles.Reorder(req.IDs); err != nil {
		writeError(w, err)
		return
	}
	a.handleListProfiles(w, r)
}

func (a *API) handleCleanupProfiles(w http.ResponseWriter, r *http.Request) {
	removed, err := a.profiles.CleanupOrphaned()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
