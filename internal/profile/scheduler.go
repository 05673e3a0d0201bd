package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/logging"
)

// MinAutoUpdateInterval is the shortest automatic update interval.
const MinAutoUpdateInterval = 15 * time.Minute

// UpdateFunc refreshes profile id.
type UpdateFunc func(ctx context.Context, id string) error

// LookupFunc returns the current state of profile id.
type LookupFunc func(id string) (Profile, error)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Update      UpdateFunc
	Lookup      LookupFunc
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Scheduler runs automatic updates for URL profiles. The next run is due
// one interval after the profile was last updated.
type Scheduler struct {
	update      UpdateFunc
	lookup      LookupFunc
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	nextRun map[string]time.Time
	stopped bool
}

// NewScheduler creates a scheduler. Stop releases its timers.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = MinAutoUpdateInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("profile-scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		update:      cfg.Update,
		lookup:      cfg.Lookup,
		minInterval: cfg.MinInterval,
		logger:      cfg.Logger,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[string]*time.Timer),
		nextRun:     make(map[string]time.Time),
	}
}

// Interval returns the effective update interval of p, or 0 when p is not
// updated automatically.
func (s *Scheduler) Interval(p Profile) time.Duration {
	if p.Type != TypeURL || p.AutoUpdateMinutes <= 0 {
		return 0
	}
	interval := time.Duration(p.AutoUpdateMinutes) * time.Minute
	if interval < s.minInterval {
		interval = s.minInterval
	}
	return interval
}

// Schedule (re)arms the automatic update of p, or cancels it when p has
// no interval.
func (s *Scheduler) Schedule(p Profile) {
	interval := s.Interval(p)
	if interval == 0 {
		s.Cancel(p.ID)
		return
	}

	now := s.now()
	next := now
	if p.LastUpdatedAt != nil {
		next = p.LastUpdatedAt.Add(interval)
	}
	if next.Before(now) {
		next = now
	}
	s.arm(p.ID, next)
}

func (s *Scheduler) arm(id string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.nextRun[id] = next
	var t *time.Timer
	t = time.AfterFunc(delay, func() { s.fire(id, &t) })
	s.timers[id] = t
	s.logger.Debug("profile update scheduled", "profile", id, "at", next)
}

// fire runs the update armed by *timer. A timer that was replaced or
// cancelled while it waited for the lock is stale and does nothing.
func (s *Scheduler) fire(id string, timer **time.Timer) {
	s.mu.Lock()
	if s.stopped || s.timers[id] != *timer {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	delete(s.nextRun, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.update(s.ctx, id)
	if s.ctx.Err() != nil {
		return
	}

	p, lerr := s.lookup(id)
	if lerr != nil {
		s.logger.Debug("profile gone, not rescheduling", "profile", id)
		return
	}
	if err != nil {
		s.logger.Warn("automatic profile update failed", "profile", id, "error", err)
		if interval := s.Interval(p); interval > 0 {
			s.arm(id, s.now().Add(interval))
		}
		return
	}
	s.Schedule(p)
}

// Cancel removes the automatic update of id.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.nextRun, id)
}

// RestoreAll schedules every profile, e.g. after startup.
func (s *Scheduler) RestoreAll(profiles []Profile) {
	for _, p := range profiles {
		s.Schedule(p)
	}
}

// Next returns when id is updated next.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.nextRun[id]
	return t, ok
}

// Pending returns how many profiles have an update scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and waits for running updates.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.nextRun)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
