// Package profile manages proxy core profiles: where they come from, the
// downloaded configuration files and their automatic updates.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yumelira/yumebox-go/internal/traffic"
	"github.com/yumelira/yumebox-go/internal/util"
)

var (
	ErrNoProfile          = errors.New("no profile selected")
	ErrInvalidProfile     = errors.New("invalid profile")
	ErrDownloadInProgress = errors.New("profile download already in progress")
)

// Type says where a profile's configuration comes from.
type Type string

const (
	TypeURL  Type = "url"
	TypeFile Type = "file"
)

// Profile is one imported core configuration.
type Profile struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Type              Type       `json:"type" yaml:"type"`
	RemoteURL         string     `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	SourcePath        string     `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	ConfigPath        string     `json:"config_path,omitempty" yaml:"config_path,omitempty"`
	Enabled           bool       `json:"enabled" yaml:"enabled"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"updated_at"`
	LastUpdatedAt     *time.Time `json:"last_updated_at,omitempty" yaml:"last_updated_at,omitempty"`
	FileSize          int64      `json:"file_size" yaml:"file_size"`
	Provider          string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	ExpireAt          *time.Time `json:"expire_at,omitempty" yaml:"expire_at,omitempty"`
	UsedBytes         int64      `json:"used_bytes" yaml:"used_bytes"`
	TotalBytes        int64      `json:"total_bytes,omitempty" yaml:"total_bytes,omitempty"`
	Order             int        `json:"order" yaml:"order"`
	AutoUpdateMinutes int        `json:"auto_update_minutes,omitempty" yaml:"auto_update_minutes,omitempty"`
}

// Validate checks the fields a profile needs before it can be downloaded.
func (p Profile) Validate() error {
	switch p.Type {
	case TypeURL:
		u, err := url.Parse(strings.TrimSpace(p.RemoteURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return util.WrapErrorf(ErrInvalidProfile, "remote url %q", p.RemoteURL)
		}
	case TypeFile:
		if strings.TrimSpace(p.SourcePath) == "" && p.ConfigPath == "" {
			return util.WrapError(ErrInvalidProfile, "file profile needs a source path")
		}
	default:
		return util.WrapErrorf(ErrInvalidProfile, "unknown type %q", p.Type)
	}
	if p.AutoUpdateMinutes < 0 {
		return util.WrapError(ErrInvalidProfile, "auto update interval must not be negative")
	}
	return nil
}

// DisplayProvider names where the profile comes from.
func (p Profile) DisplayProvider() string {
	if p.Type == TypeFile {
		return "Local file"
	}
	if p.Provider != "" {
		return p.Provider
	}
	return "Remote subscription"
}

// InfoText summarises traffic, expiry and freshness for a list entry.
func (p Profile) InfoText(now time.Time) string {
	if p.Type == TypeFile {
		return "Local configuration"
	}

	var b strings.Builder
	switch {
	case p.TotalBytes > 0:
		fmt.Fprintf(&b, "Traffic: %s/%s (%d%%)",
			traffic.FormatBytes(p.UsedBytes), traffic.FormatBytes(p.TotalBytes), p.UsedBytes*100/p.TotalBytes)
	case p.UsedBytes > 0:
		fmt.Fprintf(&b, "Used: %s", traffic.FormatBytes(p.UsedBytes))
	default:
		b.WriteString("Not updated yet")
	}

	if p.ExpireAt != nil {
		expire := p.ExpireAt.In(now.Location())
		days := daysBetween(now, expire)
		b.WriteString("\n")
		switch {
		case days > 0:
			fmt.Fprintf(&b, "Expires %s (%d days left)", expire.Format("2006-01-02"), days)
		case days == 0:
			b.WriteString("Expires today")
		default:
			fmt.Fprintf(&b, "Expired %s", expire.Format("2006-01-02"))
		}
	}

	if p.LastUpdatedAt != nil {
		b.WriteString("|")
		b.WriteString(relativeTime(now, *p.LastUpdatedAt))
	}
	return b.String()
}

// daysBetween counts calendar days from a to b in a's location.
func daysBetween(a, b time.Time) int {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.In(a.Location()).Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

func relativeTime(now, t time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	}
}

// SubscriptionInfo is what a subscription server reports about an account.
type SubscriptionInfo struct {
	Upload   int64
	Download int64
	Total    int64
	Expire   *time.Time
	Title    string
	Filename string
}

// Apply copies the reported usage onto p.
func (s SubscriptionInfo) Apply(p *Profile) {
	if s.Title != "" {
		p.Provider = s.Title
	}
	if s.Expire != nil {
		p.ExpireAt = s.Expire
	}
	p.UsedBytes = s.Upload + s.Download
	if s.Total > 0 {
		p.TotalBytes = s.Total
	}
	if strings.TrimSpace(p.Name) == "" && s.Filename != "" {
		p.Name = strings.TrimSuffix(s.Filename, pathExt(s.Filename))
	}
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
