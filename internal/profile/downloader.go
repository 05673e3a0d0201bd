package profile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/version"
)

const (
	// DefaultTimeout bounds a single subscription fetch.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxSize is the largest configuration accepted.
	DefaultMaxSize int64 = 32 << 20

	importedDir = "imported"
	configFile  = "config.yaml"
)

// Progress reports a download step and its completion percentage.
type Progress func(message string, percent int)

// Downloader fetches subscription and local configurations into the
// imported/<id>/config.yaml layout the core reads.
type Downloader struct {
	workDir    string
	httpClient *http.Client
	maxSize    int64
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	userAgent string
	active    map[string]struct{}
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithHTTPClient sets the client used for subscription requests.
func WithHTTPClient(client *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.httpClient = client
	}
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) DownloaderOption {
	return func(d *Downloader) {
		d.userAgent = strings.TrimSpace(ua)
	}
}

// WithMaxSize limits the configuration size in bytes.
func WithMaxSize(n int64) DownloaderOption {
	return func(d *Downloader) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithRetries sets how often a failed fetch is retried and the base delay.
func WithRetries(n int, delay time.Duration) DownloaderOption {
	return func(d *Downloader) {
		d.retries = n
		d.retryDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// NewDownloader creates a downloader writing below workDir.
func NewDownloader(workDir string, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		workDir:    workDir,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxSize:    DefaultMaxSize,
		retries:    2,
		retryDelay: time.Second,
		logger:     logging.WithComponent("profiles"),
		now:        time.Now,
		active:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetUserAgent changes the User-Agent; blank restores the default.
func (d *Downloader) SetUserAgent(ua string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userAgent = strings.TrimSpace(ua)
}

func (d *Downloader) currentUserAgent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userAgent != "" {
		return d.userAgent
	}
	return version.UserAgent()
}

// ConfigPath returns where the configuration of profile id is stored.
func (d *Downloader) ConfigPath(id string) string {
	return filepath.Join(d.workDir, importedDir, id, configFile)
}

// IsSaved reports whether p has a stored configuration.
func (d *Downloader) IsSaved(p Profile) bool {
	info, err := os.Stat(d.ConfigPath(p.ID))
	return err == nil && info.Size() > 0
}

// IsDownloading reports whether a download for id is running.
func (d *Downloader) IsDownloading(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

func (d *Downloader) begin(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[id]; ok {
		return false
	}
	d.active[id] = struct{}{}
	return true
}

func (d *Downloader) end(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

// Download stores the configuration of p and returns p updated with the
// file and subscription details. An already stored configuration is kept
// unless force is set.
func (d *Downloader) Download(ctx context.Context, p Profile, force bool, progress Progress) (Profile, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: missing id", ErrInvalidProfile)
	}
	if !d.begin(p.ID) {
		return p, ErrDownloadInProgress
	}
	defer d.end(p.ID)

	target := d.ConfigPath(p.ID)
	if !force && d.IsSaved(p) {
		p.ConfigPath = target
		progress("Already downloaded", 100)
		return p, nil
	}

	logger := d.logger.With("profile", p.ID, "type", string(p.Type))
	progress("Preparing", 5)

	var (
		data []byte
		info SubscriptionInfo
		err  error
	)
	switch p.Type {
	case TypeURL:
		progress("Downloading", 10)
		data, info, err = d.fetchWithRetry(ctx, p.RemoteURL, logger)
	case TypeFile:
		progress("Reading file", 10)
		data, err = d.readFile(p.SourcePath)
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrInvalidProfile, p.Type)
	}
	if err != nil {
		logger.Warn("profile download failed", "error", err)
		return p, err
	}

	progress("Validating", 60)
	if err := ValidateConfig(data); err != nil {
		return p, err
	}

	progress("Saving", 85)
	if err := writeAtomic(target, data); err != nil {
		return p, err
	}

	now := d.now()
	p.ConfigPath = target
	p.FileSize = int64(len(data))
	p.UpdatedAt = now
	p.LastUpdatedAt = &now
	if p.Type == TypeURL {
		info.Apply(&p)
	}

	logger.Info("profile downloaded", "size", p.FileSize)
	progress("Done", 100)
	return p, nil
}

func (d *Downloader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile source: %w", err)
	}
	defer f.Close()
	return d.readLimited(f)
}

func (d *Downloader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidProfile, d.maxSize)
	}
	return data, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("subscription server returned %d", e.code)
}

func (d *Downloader) fetchWithRetry(ctx context.Context, rawURL string, logger *slog.Logger) ([]byte, SubscriptionInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := d.retryDelay * time.Duration(attempt)
			logger.Debug("retrying profile download", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, SubscriptionInfo{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, info, err := d.fetch(ctx, rawURL)
		if err == nil {
			return data, info, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			break
		}
		if errors.Is(err, ErrInvalidProfile) || ctx.Err() != nil {
			break
		}
	}
	return nil, SubscriptionInfo{}, lastErr
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) ([]byte, SubscriptionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, SubscriptionInfo{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	req.Header.Set("User-Agent", d.currentUserAgent())
	req.Header.Set("Accept", "*/*")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, SubscriptionInfo{}, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, SubscriptionInfo{}, &statusError{code: resp.StatusCode}
	}

	data, err := d.readLimited(resp.Body)
	if err != nil {
		return nil, SubscriptionInfo{}, err
	}
	return data, ParseSubscriptionHeaders(resp.Header), nil
}

// ParseSubscriptionHeaders extracts usage, expiry and naming details from
// the headers of a subscription response.
func ParseSubscriptionHeaders(h http.Header) SubscriptionInfo {
	info := ParseUserInfo(h.Get("Subscription-Userinfo"))
	info.Title = decodeTitle(h.Get("Profile-Title"))
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			info.Filename = params["filename"]
		}
	}
	if info.Title == "" && info.Filename != "" {
		info.Title = strings.TrimSuffix(info.Filename, pathExt(info.Filename))
	}
	return info
}

// ParseUserInfo parses a "upload=1; download=2; total=3; expire=4" header.
// Unknown or malformed fields are ignored.
func ParseUserInfo(header string) SubscriptionInfo {
	var info SubscriptionInfo
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || n < 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "upload":
			info.Upload = int64(n)
		case "download":
			info.Download = int64(n)
		case "total":
			info.Total = int64(n)
		case "expire":
			if n > 0 {
				t := time.Unix(int64(n), 0)
				info.Expire = &t
			}
		}
	}
	return info
}

func decodeTitle(v string) string {
	v = strings.TrimSpace(v)
	if rest, ok := strings.CutPrefix(v, "base64:"); ok {
		if raw, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return strings.TrimSpace(string(raw))
		}
		return ""
	}
	return v
}

// ValidateConfig checks that data is a core configuration with at least
// one proxy or proxy provider.
func ValidateConfig(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("%w: empty configuration", ErrInvalidProfile)
	}
	var doc struct {
		Proxies        []any          `yaml:"proxies"`
		ProxyProviders map[string]any `yaml:"proxy-providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if len(doc.Proxies) == 0 && len(doc.ProxyProviders) == 0 {
		return fmt.Errorf("%w: no proxies or proxy-providers", ErrInvalidProfile)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace profile: %w", err)
	}
	return nil
}

// Remove deletes the stored configuration of profile id.
func (d *Downloader) Remove(id string) error {
	if id == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(d.workDir, importedDir, id)); err != nil {
		return fmt.Errorf("failed to remove profile files: %w", err)
	}
	return nil
}

// CleanupOrphaned removes stored configurations whose id is not in keep
// and returns how many were removed.
func (d *Downloader) CleanupOrphaned(keep []string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(d.workDir, importedDir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list profiles: %w", err)
	}

	valid := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		valid[id] = struct{}{}
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := valid[e.Name()]; ok || d.IsDownloading(e.Name()) {
			continue
		}
		if err := d.Remove(e.Name()); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		d.logger.Info("removed orphaned profiles", "count", removed)
	}
	return removed, nil
}
