package cli

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/yumelira/yumebox-go/internal/api"
	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/netinfo"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/traffic"
	"github.com/yumelira/yumebox-go/internal/util"
)

// ShowStatus displays the daemon status.
func (c *APIClient) ShowStatus() error {
	var status api.StatusResponse
	if err := c.getJSON("/api/v1/status", &status); err != nil {
		return err
	}
	c.printStatus(status)
	return nil
}

func (c *APIClient) printStatus(status api.StatusResponse) {
	state := "stopped"
	if status.Running {
		state = "running"
	}
	c.printf("Core: %s\n", state)
	if status.Core != nil && status.Core.Version != "" {
		c.printf("Core Version: %s\n", status.Core.Version)
	}
	if status.Profile != nil {
		c.printf("Profile: %s\n", status.Profile.Name)
	}
	c.printf("Mode: %s\n", status.Mode)
	c.printf("Sort: %s\n", status.SortMode)
	if status.Traffic != nil {
		c.printf("Traffic: %s\n", status.Traffic.Notification)
	}
	c.printf("Version: %s\n", status.Version)
}

// CheckHealth displays the daemon health.
func (c *APIClient) CheckHealth() error {
	var health map[string]any
	if err := c.getJSON("/api/v1/health", &health); err != nil {
		return err
	}
	c.printf("Health: %v\n", health["status"])
	return nil
}

// Start runs the core with profile, or the last used profile when blank.
func (c *APIClient) Start(profile string) error {
	var status api.StatusResponse
	if err := c.call(http.MethodPost, "/api/v1/core/start", api.StartRequest{Profile: profile}, &status); err != nil {
		return err
	}
	c.printStatus(status)
	return nil
}

// Stop stops the core.
func (c *APIClient) Stop() error {
	if err := c.call(http.MethodPost, "/api/v1/core/stop", nil, nil); err != nil {
		return err
	}
	c.println("Core stopped")
	return nil
}

// Reload reloads the running profile.
func (c *APIClient) Reload() error {
	if err := c.call(http.MethodPost, "/api/v1/core/reload", nil, nil); err != nil {
		return err
	}
	c.println("Profile reloaded")
	return nil
}

// ListGroups lists the proxy groups and where each one ends up.
func (c *APIClient) ListGroups(refresh bool) error {
	path := "/api/v1/groups"
	if refresh {
		path += "?refresh=true"
	}
	var groups proxy.Snapshot
	if err := c.getJSON(path, &groups); err != nil {
		return err
	}
	if len(groups) == 0 {
		c.println("No proxy groups")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTYPE\tNOW\tMEMBERS\tCHAIN")
	for _, g := range groups {
		now := g.Now
		if g.Fixed != "" {
			now += " (pinned)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", g.Name, g.Type, now, len(g.Proxies), strings.Join(g.ChainPath, " -> "))
	}
	return w.Flush()
}

// ShowGroup lists the members of one group.
func (c *APIClient) ShowGroup(name string) error {
	var g proxy.Group
	if err := c.getJSON("/api/v1/groups/"+esc(name), &g); err != nil {
		return err
	}
	c.printGroup(g)
	return nil
}

func (c *APIClient) printGroup(g proxy.Group) {
	c.printf("%s (%s)\n", g.Name, g.Type)
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tNAME\tTYPE\tDELAY")
	for _, p := range g.Proxies {
		mark := " "
		switch p.Name {
		case g.Fixed:
			mark = "P"
		case g.Now:
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, p.Name, p.Type, formatDelay(p.Delay))
	}
	_ = w.Flush()
}

// Select selects proxy in a selector group.
func (c *APIClient) Select(group, name string) error {
	var g proxy.Group
	if err := c.call(http.MethodPut, "/api/v1/groups/"+esc(group), api.SelectRequest{Name: name}, &g); err != nil {
		return err
	}
	c.printf("%s -> %s\n", g.Name, g.Now)
	return nil
}

// Pin pins proxy in any group; a blank name unpins.
func (c *APIClient) Pin(group, name string) error {
	var g proxy.Group
	if err := c.call(http.MethodPut, "/api/v1/groups/"+esc(group)+"/pin", api.SelectRequest{Name: name}, &g); err != nil {
		return err
	}
	if name == "" {
		c.printf("%s unpinned, now %s\n", g.Name, g.Now)
		return nil
	}
	c.printf("%s pinned to %s\n", g.Name, g.Now)
	return nil
}

// TestDelay tests one proxy, or shows its cached delay.
func (c *APIClient) TestDelay(name string, cached bool) error {
	path := "/api/v1/proxies/" + esc(name) + "/delay"
	if cached {
		path += "?cached=true"
	}
	var d api.DelayResponse
	if err := c.getJSON(path, &d); err != nil {
		return err
	}
	if cached && !d.Cached {
		c.printf("%s: no cached delay\n", d.Name)
		return nil
	}
	c.printf("%s: %s\n", d.Name, formatDelay(d.Delay))
	return nil
}

// HealthCheck tests every member of group, or of all groups when blank.
func (c *APIClient) HealthCheck(group string) error {
	if group == "" {
		if err := c.call(http.MethodPost, "/api/v1/groups/healthcheck", nil, nil); err != nil {
			return err
		}
		return c.ListGroups(false)
	}
	var g proxy.Group
	if err := c.call(http.MethodPost, "/api/v1/groups/"+esc(group)+"/healthcheck", nil, &g); err != nil {
		return err
	}
	c.printGroup(g)
	return nil
}

// Resolve shows the end node traffic through name uses.
func (c *APIClient) Resolve(name string) error {
	var resp api.ChainResponse
	if err := c.getJSON("/api/v1/proxies/"+esc(name)+"/resolve", &resp); err != nil {
		return err
	}
	c.printChain(resp)
	return nil
}

// Chain shows the selection path of a group.
func (c *APIClient) Chain(group string) error {
	var resp api.ChainResponse
	if err := c.getJSON("/api/v1/groups/"+esc(group)+"/chain", &resp); err != nil {
		return err
	}
	c.printChain(resp)
	return nil
}

func (c *APIClient) printChain(resp api.ChainResponse) {
	if len(resp.Path) > 0 {
		c.printf("Path: %s\n", strings.Join(resp.Path, " -> "))
	}
	if resp.End != nil {
		c.printf("End node: %s (%s)\n", resp.End.Name, resp.End.Type)
	}
	c.printf("Delay: %s\n", formatDelay(resp.Delay))
}

// Mode shows the tunnel mode, or sets it when mode is not blank.
func (c *APIClient) Mode(mode string) error {
	var resp api.ModeRequest
	var err error
	if mode == "" {
		err = c.getJSON("/api/v1/settings/mode", &resp)
	} else {
		err = c.call(http.MethodPut, "/api/v1/settings/mode", api.ModeRequest{Mode: mode}, &resp)
	}
	if err != nil {
		return err
	}
	c.printf("Mode: %s\n", resp.Mode)
	return nil
}

// Sort shows the member order, or sets it when sort is not blank.
func (c *APIClient) Sort(sort string) error {
	var resp api.SortRequest
	var err error
	if sort == "" {
		err = c.getJSON("/api/v1/settings/sort", &resp)
	} else {
		err = c.call(http.MethodPut, "/api/v1/settings/sort", api.SortRequest{Sort: sort}, &resp)
	}
	if err != nil {
		return err
	}
	c.printf("Sort: %s\n", resp.Sort)
	return nil
}

// Override shows the core's running configuration, applying o first if
// it changes anything.
func (c *APIClient) Override(o core.Override) error {
	var current core.Override
	var err error
	if o.IsEmpty() {
		err = c.getJSON("/api/v1/override", &current)
	} else {
		err = c.call(http.MethodPatch, "/api/v1/override", o, &current)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	row := func(key string, v any) { fmt.Fprintf(w, "%s\t%v\n", key, v) }
	if current.Mode != nil {
		row("mode", *current.Mode)
	}
	if current.MixedPort != nil {
		row("mixed-port", *current.MixedPort)
	}
	if current.AllowLAN != nil {
		row("allow-lan", *current.AllowLAN)
	}
	if current.IPv6 != nil {
		row("ipv6", *current.IPv6)
	}
	if current.LogLevel != nil {
		row("log-level", *current.LogLevel)
	}
	if current.Tun != nil && current.Tun.Enable != nil {
		row("tun", *current.Tun.Enable)
	}
	return w.Flush()
}

// ListProviders lists proxy and rule providers.
func (c *APIClient) ListProviders() error {
	var providers []core.Provider
	if err := c.getJSON("/api/v1/providers", &providers); err != nil {
		return err
	}
	if len(providers) == 0 {
		c.println("No providers")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tVEHICLE\tUPDATED")
	for _, p := range providers {
		updated := "-"
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Kind, p.VehicleType, updated)
	}
	return w.Flush()
}

// UpdateProviders updates one provider, or every provider when name is blank.
func (c *APIClient) UpdateProviders(kind, name string) error {
	if name != "" {
		if err := c.call(http.MethodPost, "/api/v1/providers/"+esc(kind)+"/"+esc(name)+"/update", nil, nil); err != nil {
			return err
		}
		c.printf("Provider %s updated\n", name)
		return nil
	}

	var resp api.ProvidersUpdateResponse
	if err := c.call(http.MethodPost, "/api/v1/providers/update", nil, &resp); err != nil {
		return err
	}
	if len(resp.Failed) == 0 {
		c.println("All providers updated")
		return nil
	}
	return fmt.Errorf("failed to update: %s", strings.Join(resp.Failed, ", "))
}

// ListConnections lists active connections.
func (c *APIClient) ListConnections() error {
	var conns []core.Connection
	if err := c.getJSON("/api/v1/connections", &conns); err != nil {
		return err
	}
	if len(conns) == 0 {
		c.println("No active connections")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tCHAIN\tRULE\tUP\tDOWN")
	for _, conn := range conns {
		host := conn.Metadata.Host
		if host == "" {
			host = conn.Metadata.DestinationIP
		}
		if conn.Metadata.DestinationPort != "" {
			host += ":" + conn.Metadata.DestinationPort
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", conn.ID, host, strings.Join(conn.Chains, " <- "), conn.Rule,
			traffic.FormatBytes(conn.Upload), traffic.FormatBytes(conn.Download))
	}
	return w.Flush()
}

// CloseConnections closes one connection, or all when id is blank.
func (c *APIClient) CloseConnections(id string) error {
	path := "/api/v1/connections"
	if id != "" {
		path += "/" + esc(id)
	}
	if err := c.call(http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.println("Closed")
	return nil
}

// ShowTraffic displays the current rate, or the last days.
func (c *APIClient) ShowTraffic(days int) error {
	if days <= 0 {
		var t api.TrafficResponse
		if err := c.getJSON("/api/v1/traffic", &t); err != nil {
			return err
		}
		c.println(t.Notification)
		c.printf("Today: ↑ %s ↓ %s\n", traffic.FormatBytes(t.Today.Upload), traffic.FormatBytes(t.Today.Download))
		return nil
	}

	var summaries []traffic.DailySummary
	if err := c.getJSON(fmt.Sprintf("/api/v1/traffic/days?days=%d", days), &summaries); err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tUPLOAD\tDOWNLOAD")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Date, traffic.FormatBytes(s.Upload), traffic.FormatBytes(s.Download))
	}
	return w.Flush()
}

// ShowNetInfo displays the local and external addresses.
func (c *APIClient) ShowNetInfo(refresh bool) error {
	var info netinfo.Info
	var err error
	if refresh {
		err = c.call(http.MethodPost, "/api/v1/netinfo/refresh", nil, &info)
	} else {
		err = c.getJSON("/api/v1/netinfo", &info)
	}
	if err != nil {
		return err
	}

	c.printf("Local IP: %s\n", orDash(info.LocalIP))
	if info.External != nil {
		ext := info.External.IP
		if info.External.Country != "" {
			ext += " (" + info.External.Country + ")"
		}
		c.printf("External IP: %s\n", ext)
	} else {
		c.println("External IP: -")
	}
	if info.LastError != "" {
		c.printf("Last error: %s\n", info.LastError)
	}
	return nil
}

// DashboardURL returns the dashboard address, carrying the token.
func (c *APIClient) DashboardURL() string {
	u := c.BaseURL + "/"
	if c.Token != "" {
		u += "?token=" + esc(c.Token)
	}
	return u
}

// OpenDashboard opens the dashboard in the default browser.
func (c *APIClient) OpenDashboard() error {
	u := c.DashboardURL()
	c.printf("Opening %s\n", u)
	return util.OpenURL(u)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
