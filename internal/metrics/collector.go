package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/traffic"
)

// Collector updates periodic metrics and receives events from the rest of
// the daemon. It implements proxystate.Observer, traffic.Recorder and
// facade.UpdateRecorder.
type Collector struct {
	metrics   *Metrics
	coreUp    func() bool
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector. coreUp, if set, is polled
// for the core state.
func NewCollector(metrics *Metrics, coreUp func() bool) *Collector {
	return &Collector{
		metrics:   metrics,
		coreUp:    coreUp,
		startTime: time.Now(),
		interval:  15 * time.Second,
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.done, c.ticker)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(done <-chan struct{}, ticker *time.Ticker) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
	if c.coreUp != nil {
		c.SetCoreUp(c.coreUp())
	}
}

// SetCoreUp records whether the core runs.
func (c *Collector) SetCoreUp(up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.metrics.CoreUp.Set(v)
}

// RecordTraffic records one per-second traffic sample.
func (c *Collector) RecordTraffic(sample traffic.Data) {
	c.metrics.TrafficBytes.WithLabelValues("upload").Add(float64(sample.Upload))
	c.metrics.TrafficBytes.WithLabelValues("download").Add(float64(sample.Download))
	c.metrics.TrafficSpeed.WithLabelValues("upload").Set(float64(sample.Upload))
	c.metrics.TrafficSpeed.WithLabelValues("download").Set(float64(sample.Download))
}

// ObserveSync records a proxy group sync.
func (c *Collector) ObserveSync(d time.Duration, err error) {
	c.metrics.SyncDuration.Observe(d.Seconds())
	if err != nil {
		c.metrics.SyncErrors.Inc()
	}
}

// ObserveDelay records a measured proxy delay. Timeouts are exported as -1.
func (c *Collector) ObserveDelay(name string, delay int) {
	if delay <= 0 {
		delay = proxy.DelayTimeout
	}
	c.metrics.ProxyDelay.WithLabelValues(name).Set(float64(delay))
}

// RecordProfileUpdate records a profile download.
func (c *Collector) RecordProfileUpdate(success bool) {
	c.metrics.ProfileUpdates.WithLabelValues(result(success)).Inc()
}

// RecordCoreRestart records an automatic restart attempt.
func (c *Collector) RecordCoreRestart(err error) {
	c.metrics.CoreRestarts.WithLabelValues(result(err == nil)).Inc()
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	c.metrics.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.metrics.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
