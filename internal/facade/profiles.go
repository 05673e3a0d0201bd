// Package facade is the thin layer the API and CLI call into. It forwards
// to the core client, the proxy state repository and the profile stores,
// adding only the ordering that ties them together.
package facade

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/store"
	"github.com/yumelira/yumebox-go/internal/traffic"
	"github.com/yumelira/yumebox-go/internal/util"
)

// UpdateRecorder counts profile updates, e.g. as metrics.
type UpdateRecorder interface {
	RecordProfileUpdate(success bool)
}

// ProfilesOptions configures a ProfilesFacade.
type ProfilesOptions struct {
	Repository *profile.Repository
	Downloader *profile.Downloader
	Selections *store.SelectionStore
	App        *store.AppSettings
	Stats      *traffic.Statistics
	Recorder   UpdateRecorder

	// MinAutoUpdate overrides profile.MinAutoUpdateInterval.
	MinAutoUpdate time.Duration
	Logger        *slog.Logger
}

// ProfilesFacade manages imported profiles and their automatic updates.
type ProfilesFacade struct {
	repo       *profile.Repository
	downloader *profile.Downloader
	scheduler  *profile.Scheduler
	selections *store.SelectionStore
	app        *store.AppSettings
	stats      *traffic.Statistics
	recorder   UpdateRecorder
	logger     *slog.Logger

	mu        sync.Mutex
	onUpdated []func(ctx context.Context, p profile.Profile)
}

// NewProfilesFacade creates the facade and its scheduler. Call
// RestoreSchedules once the daemon is up and Close on shutdown.
func NewProfilesFacade(opts ProfilesOptions) *ProfilesFacade {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("profiles")
	}
	f := &ProfilesFacade{
		repo:       opts.Repository,
		downloader: opts.Downloader,
		selections: opts.Selections,
		app:        opts.App,
		stats:      opts.Stats,
		recorder:   opts.Recorder,
		logger:     logger,
	}
	f.scheduler = profile.NewScheduler(profile.SchedulerConfig{
		Update:      f.scheduledUpdate,
		Lookup:      opts.Repository.Get,
		MinInterval: opts.MinAutoUpdate,
		Logger:      logger.With("component", "profile-scheduler"),
	})
	if f.app != nil {
		f.downloader.SetUserAgent(f.app.CustomUserAgent())
	}
	return f
}

// OnUpdated registers fn to run after a profile's configuration changed.
func (f *ProfilesFacade) OnUpdated(fn func(ctx context.Context, p profile.Profile)) {
	f.mu.Lock()
	f.onUpdated = append(f.onUpdated, fn)
	f.mu.Unlock()
}

// All returns every profile in display order.
func (f *ProfilesFacade) All() []profile.Profile { return f.repo.All() }

// Get returns the profile with id.
func (f *ProfilesFacade) Get(id string) (profile.Profile, error) { return f.repo.Get(id) }

// Find returns the profile matching an id or a name.
func (f *ProfilesFacade) Find(key string) (profile.Profile, error) { return f.repo.Find(key) }

// Enabled returns the enabled profile.
func (f *ProfilesFacade) Enabled() (profile.Profile, bool) { return f.repo.Enabled() }

// Downloading reports whether profile id is being downloaded.
func (f *ProfilesFacade) Downloading(id string) bool { return f.downloader.IsDownloading(id) }

// NextUpdate returns when profile id is updated automatically next.
func (f *ProfilesFacade) NextUpdate(id string) (time.Time, bool) { return f.scheduler.Next(id) }

// Import adds p and downloads its configuration. A profile whose download
// fails is not kept.
func (f *ProfilesFacade) Import(ctx context.Context, p profile.Profile, progress profile.Progress) (profile.Profile, error) {
	added, err := f.repo.Add(p)
	if err != nil {
		return profile.Profile{}, err
	}

	downloaded, err := f.downloader.Download(ctx, added, true, progress)
	f.record(err == nil)
	if err != nil {
		_ = f.downloader.Remove(added.ID)
		if rerr := f.repo.Remove(added.ID); rerr != nil {
			f.logger.Warn("failed to drop profile after failed import", "profile", added.ID, "error", rerr)
		}
		return profile.Profile{}, err
	}
	if err := f.repo.Update(downloaded); err != nil {
		return profile.Profile{}, err
	}

	stored, err := f.repo.Get(added.ID)
	if err != nil {
		return profile.Profile{}, err
	}
	f.scheduler.Schedule(stored)
	f.logger.Info("profile imported", "profile", stored.ID, "name", stored.Name)
	return stored, nil
}

// Update downloads the configuration of id again.
func (f *ProfilesFacade) Update(ctx context.Context, id string, progress profile.Progress) (profile.Profile, error) {
	p, err := f.repo.Get(id)
	if err != nil {
		return profile.Profile{}, err
	}

	downloaded, err := f.downloader.Download(ctx, p, true, progress)
	f.record(err == nil)
	if err != nil {
		return profile.Profile{}, err
	}
	if err := f.repo.Update(downloaded); err != nil {
		return profile.Profile{}, err
	}

	stored, err := f.repo.Get(id)
	if err != nil {
		return profile.Profile{}, err
	}
	f.scheduler.Schedule(stored)
	f.mu.Lock()
	listeners := slices.Clone(f.onUpdated)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, stored)
	}
	return stored, nil
}

func (f *ProfilesFacade) scheduledUpdate(ctx context.Context, id string) error {
	_, err := f.Update(ctx, id, nil)
	return err
}

// UpdateAll updates every URL profile, collecting failures.
func (f *ProfilesFacade) UpdateAll(ctx context.Context) error {
	errs := util.NewMultiError()
	for _, p := range f.repo.All() {
		if p.Type != profile.TypeURL {
			continue
		}
		if _, err := f.Update(ctx, p.ID, nil); err != nil {
			errs.Add(util.WrapErrorf(err, "profile %s", p.Name))
		}
	}
	return errs.Err()
}

// Edit saves changed profile details such as the name or the update interval.
func (f *ProfilesFacade) Edit(p profile.Profile) (profile.Profile, error) {
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}
	if err := f.repo.Update(p); err != nil {
		return profile.Profile{}, err
	}
	stored, err := f.repo.Get(p.ID)
	if err != nil {
		return profile.Profile{}, err
	}
	f.scheduler.Schedule(stored)
	return stored, nil
}

// EnsureDownloaded returns profile id with a stored configuration,
// downloading it only when missing.
func (f *ProfilesFacade) EnsureDownloaded(ctx context.Context, id string) (profile.Profile, error) {
	p, err := f.repo.Get(id)
	if err != nil {
		return profile.Profile{}, err
	}
	if p.ConfigPath != "" && f.downloader.IsSaved(p) {
		return p, nil
	}

	downloaded, err := f.downloader.Download(ctx, p, false, nil)
	if err != nil {
		return profile.Profile{}, err
	}
	if err := f.repo.Update(downloaded); err != nil {
		return profile.Profile{}, err
	}
	return f.repo.Get(id)
}

// Remove deletes a profile together with its files, saved selections and
// traffic attribution.
func (f *ProfilesFacade) Remove(id string) error {
	if _, err := f.repo.Get(id); err != nil {
		return err
	}
	f.scheduler.Cancel(id)

	var errs []error
	errs = append(errs, f.downloader.Remove(id))
	if f.selections != nil {
		errs = append(errs, f.selections.Clear(id))
	}
	if f.stats != nil {
		f.stats.RemoveProfile(id)
	}
	if f.app != nil && f.app.LastProfileID() == id {
		errs = append(errs, f.app.SetLastProfileID(""))
	}
	errs = append(errs, f.repo.Remove(id))
	return errors.Join(errs...)
}

// Reorder changes the display order.
func (f *ProfilesFacade) Reorder(ids []string) error { return f.repo.Reorder(ids) }

// SetEnabled marks id as the active profile, or clears it.
func (f *ProfilesFacade) SetEnabled(id string, enabled bool) error {
	return f.repo.SetEnabled(id, enabled)
}

// SetUserAgent saves a custom subscription User-Agent; blank restores the default.
func (f *ProfilesFacade) SetUserAgent(ua string) error {
	if f.app != nil {
		if err := f.app.SetCustomUserAgent(ua); err != nil {
			return err
		}
	}
	f.downloader.SetUserAgent(ua)
	return nil
}

// CleanupOrphaned removes stored configurations of deleted profiles.
func (f *ProfilesFacade) CleanupOrphaned() (int, error) {
	return f.downloader.CleanupOrphaned(f.repo.IDs())
}

// RestoreSchedules arms the automatic update of every profile.
func (f *ProfilesFacade) RestoreSchedules() {
	f.scheduler.RestoreAll(f.repo.All())
}

// Close stops automatic updates.
func (f *ProfilesFacade) Close() {
	f.scheduler.Stop()
}

func (f *ProfilesFacade) record(success bool) {
	if f.recorder != nil {
		f.recorder.RecordProfileUpdate(success)
	}
}
