package traffic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/logging"
)

const (
	defaultRetryInterval = 3 * time.Second
	defaultFlushInterval = time.Minute
)

// Source streams per-second traffic samples until ctx ends.
type Source interface {
	StreamTraffic(ctx context.Context, fn func(core.TrafficSample)) error
}

// Recorder receives every sample, e.g. to export it as metrics.
type Recorder interface {
	RecordTraffic(sample Data)
}

// ProfileFunc names the profile traffic is attributed to.
type ProfileFunc func() (id, name string)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Source        Source
	Stats         *Statistics
	Profile       ProfileFunc
	Recorder      Recorder
	RetryInterval time.Duration
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Collector follows the core's traffic stream, keeping the current rate,
// the session total and the persistent statistics up to date.
type Collector struct {
	source   Source
	stats    *Statistics
	profile  ProfileFunc
	recorder Recorder
	retry    time.Duration
	flush    time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	now   Data
	total Data

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(now, total Data)
}

// NewCollector creates a collector. Run starts it.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("traffic")
	}
	return &Collector{
		source:   cfg.Source,
		stats:    cfg.Stats,
		profile:  cfg.Profile,
		recorder: cfg.Recorder,
		retry:    cfg.RetryInterval,
		flush:    cfg.FlushInterval,
		logger:   cfg.Logger,
		subs:     make(map[int]func(now, total Data)),
	}
}

// Run follows the stream until ctx ends, reconnecting after failures.
func (c *Collector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.streamLoop(gctx)
		return nil
	})
	if c.stats != nil {
		g.Go(func() error {
			c.flushLoop(gctx)
			return nil
		})
	}
	err := g.Wait()

	if c.stats != nil {
		if ferr := c.stats.Flush(); ferr != nil {
			c.logger.Warn("failed to flush traffic statistics", "error", ferr)
		}
	}
	return err
}

func (c *Collector) streamLoop(ctx context.Context) {
	for {
		err := c.source.StreamTraffic(ctx, c.handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("traffic stream interrupted", "error", err)
		}
		c.setNow(Data{})

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retry):
		}
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.stats.Flush(); err != nil {
				c.logger.Warn("failed to flush traffic statistics", "error", err)
			}
		}
	}
}

func (c *Collector) handle(sample core.TrafficSample) {
	d := Data{Upload: sample.Up, Download: sample.Down}

	c.mu.Lock()
	c.now = d
	c.total = c.total.Add(d)
	now, total := c.now, c.total
	c.mu.Unlock()

	if c.stats != nil {
		var id, name string
		if c.profile != nil {
			id, name = c.profile()
		}
		c.stats.Record(d, id, name)
	}
	if c.recorder != nil {
		c.recorder.RecordTraffic(d)
	}
	c.notify(now, total)
}

func (c *Collector) setNow(d Data) {
	c.mu.Lock()
	c.now = d
	total := c.total
	c.mu.Unlock()
	c.notify(d, total)
}

// Now returns the latest per-second rate.
func (c *Collector) Now() Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Total returns the bytes seen since the last Reset.
func (c *Collector) Total() Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Reset zeroes the rate and session total, e.g. when the core restarts.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.now = Data{}
	c.total = Data{}
	c.mu.Unlock()
}

// Subscribe calls fn with every rate update until the returned func is called.
func (c *Collector) Subscribe(fn func(now, total Data)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Collector) notify(now, total Data) {
	c.subMu.Lock()
	subs := make([]func(now, total Data), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(now, total)
	}
}
