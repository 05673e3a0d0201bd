package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/util"
)

// ErrNotGroup is returned when a group operation names a plain proxy.
var ErrNotGroup = errors.New("not a proxy group")

// GlobalGroup is the built-in group listing every top-level group in profile order.
const GlobalGroup = "GLOBAL"

// SortMode orders group members.
type SortMode int

const (
	SortDefault SortMode = iota
	SortTitle
	SortDelay
)

func (m SortMode) String() string {
	switch m {
	case SortTitle:
		return "title"
	case SortDelay:
		return "delay"
	default:
		return "default"
	}
}

// ParseSortMode parses "default", "title" or "delay".
func ParseSortMode(s string) (SortMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "":
		return SortDefault, nil
	case "title", "name":
		return SortTitle, nil
	case "delay", "latency":
		return SortDelay, nil
	}
	return SortDefault, fmt.Errorf("unknown sort mode %q", s)
}

type delayHistory struct {
	Delay int `json:"delay"`
}

type rawProxy struct {
	Name    string                  `json:"name"`
	Type    string                  `json:"type"`
	Now     string                  `json:"now"`
	Fixed   string                  `json:"fixed"`
	Icon    string                  `json:"icon"`
	All     []string                `json:"all"`
	History []delayHistory          `json:"history"`
	Extra   map[string]extraHistory `json:"extra"`
}

type extraHistory struct {
	History []delayHistory `json:"history"`
}

func (p rawProxy) isGroup() bool {
	return p.All != nil || proxy.Type(p.Type).IsGroup()
}

// lastDelay returns the latest delay for testURL: 0 when never tested and
// -1 when the last test failed.
func (p rawProxy) lastDelay(testURL string) int {
	history := p.History
	if extra, ok := p.Extra[testURL]; ok && len(extra.History) > 0 {
		history = extra.History
	}
	if len(history) == 0 {
		return proxy.DelayUnknown
	}
	if d := history[len(history)-1].Delay; d > 0 {
		return d
	}
	return proxy.DelayTimeout
}

type proxiesResponse struct {
	Proxies map[string]rawProxy `json:"proxies"`
}

func (c *Client) queryProxies(ctx context.Context) (map[string]rawProxy, error) {
	var resp proxiesResponse
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Proxies, nil
}

// QueryGroupNames returns group names in profile order. Direct mode has no
// groups; GLOBAL is listed first only in global mode. With
// excludeNotSelectable only Selector groups are returned.
func (c *Client) QueryGroupNames(ctx context.Context, excludeNotSelectable bool) ([]string, error) {
	mode, err := c.QueryMode(ctx)
	if err != nil {
		return nil, err
	}
	if mode == ModeDirect {
		return []string{}, nil
	}

	table, err := c.queryProxies(ctx)
	if err != nil {
		return nil, err
	}

	global, ok := table[GlobalGroup]
	if !ok {
		return []string{}, nil
	}

	names := make([]string, 0, len(global.All)+1)
	if mode == ModeGlobal {
		names = append(names, GlobalGroup)
	}
	for _, name := range global.All {
		p, ok := table[name]
		if !ok || !p.isGroup() {
			continue
		}
		if excludeNotSelectable && proxy.Type(p.Type) != proxy.TypeSelector {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// QueryGroup returns one group with its members resolved from the proxy table.
func (c *Client) QueryGroup(ctx context.Context, name string, mode SortMode) (proxy.Group, error) {
	table, err := c.queryProxies(ctx)
	if err != nil {
		return proxy.Group{}, err
	}
	return c.groupFromTable(table, name, mode)
}

// QueryGroups returns the named groups from a single proxy table fetch.
// Names that are missing or not groups are skipped.
func (c *Client) QueryGroups(ctx context.Context, names []string, mode SortMode) ([]proxy.Group, error) {
	table, err := c.queryProxies(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]proxy.Group, 0, len(names))
	for _, name := range names {
		g, err := c.groupFromTable(table, name, mode)
		if err != nil {
			c.logger.Warn("skipping group", "group", name, "error", err)
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (c *Client) groupFromTable(table map[string]rawProxy, name string, mode SortMode) (proxy.Group, error) {
	raw, ok := table[name]
	if !ok {
		return proxy.Group{}, util.WrapErrorf(util.ErrNotFound, "group %q", name)
	}
	if !raw.isGroup() {
		return proxy.Group{}, fmt.Errorf("%q is %s: %w", name, raw.Type, ErrNotGroup)
	}

	members := make([]proxy.Proxy, 0, len(raw.All))
	for _, member := range raw.All {
		p := proxy.Proxy{
			Name:     member,
			Title:    strings.TrimSpace(member),
			Subtitle: "",
			Delay:    proxy.DelayUnknown,
		}
		if entry, ok := table[member]; ok {
			p.Type = proxy.Type(entry.Type)
			p.Subtitle = strings.TrimSpace(entry.Type)
			p.Delay = entry.lastDelay(c.testURL)
		}
		members = append(members, p)
	}
	sortProxies(members, mode)

	return proxy.Group{
		Name:    name,
		Type:    proxy.Type(raw.Type),
		Now:     raw.Now,
		Fixed:   raw.Fixed,
		Icon:    raw.Icon,
		Proxies: members,
	}, nil
}

// sortProxies orders members in place. Delay order puts untested and timed
// out members after every measured one.
func sortProxies(members []proxy.Proxy, mode SortMode) {
	switch mode {
	case SortTitle:
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Title < members[j].Title
		})
	case SortDelay:
		sort.SliceStable(members, func(i, j int) bool {
			return delayKey(members[i].Delay) < delayKey(members[j].Delay)
		})
	}
}

func delayKey(d int) int {
	switch {
	case d > 0:
		return d
	case d == proxy.DelayUnknown:
		return 1 << 30
	default:
		return 1<<30 + 1
	}
}

type selectRequest struct {
	Name string `json:"name"`
}

// PatchSelector changes the active member of a group.
func (c *Client) PatchSelector(ctx context.Context, group, name string) error {
	return c.do(ctx, http.MethodPut, "/proxies/"+escape(group), nil, selectRequest{Name: name}, nil)
}

// PatchForceSelector pins name in an automatic group; a blank name removes the pin.
func (c *Client) PatchForceSelector(ctx context.Context, group, name string) error {
	if strings.TrimSpace(name) == "" {
		return c.do(ctx, http.MethodDelete, "/proxies/"+escape(group), nil, nil, nil)
	}
	return c.do(ctx, http.MethodPut, "/proxies/"+escape(group), nil, selectRequest{Name: name}, nil)
}

func (c *Client) delayQuery() url.Values {
	q := url.Values{}
	q.Set("url", c.testURL)
	q.Set("timeout", strconv.FormatInt(c.testTimeout.Milliseconds(), 10))
	return q
}

// HealthCheck tests every member of group and returns the measured delays by name.
func (c *Client) HealthCheck(ctx context.Context, group string) (map[string]int, error) {
	delays := make(map[string]int)
	err := c.do(ctx, http.MethodGet, "/group/"+escape(group)+"/delay", c.delayQuery(), nil, &delays)
	if err != nil {
		return nil, err
	}
	return delays, nil
}

// HealthCheckAll health checks every group. Groups run concurrently; the
// returned error lists every group that failed.
func (c *Client) HealthCheckAll(ctx context.Context) error {
	names, err := c.QueryGroupNames(ctx, false)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs util.MultiError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, name := range names {
		g.Go(func() error {
			if _, err := c.HealthCheck(gctx, name); err != nil {
				mu.Lock()
				errs.Add(fmt.Errorf("group %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.Err()
}

// TestDelay tests a single proxy. A test the core gave up on yields
// proxy.DelayTimeout without an error.
func (c *Client) TestDelay(ctx context.Context, name string) (int, error) {
	var resp struct {
		Delay int `json:"delay"`
	}
	err := c.do(ctx, http.MethodGet, "/proxies/"+escape(name)+"/delay", c.delayQuery(), nil, &resp)
	if err != nil {
		if IsTimeoutStatus(err) {
			return proxy.DelayTimeout, nil
		}
		return 0, err
	}
	if resp.Delay <= 0 {
		return proxy.DelayTimeout, nil
	}
	return resp.Delay, nil
}
