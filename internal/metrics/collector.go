// Package metrics collects listener counters and publishes them to Redis, where alertctl and
// dashboards read them.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for service metrics.
	KeyPrefix = "metrics:"
	// TTL is how long metrics stay in Redis if not refreshed.
	TTL = 2 * time.Minute
	// DefaultReportInterval is the default interval for writing metrics to Redis.
	DefaultReportInterval = 30 * time.Second
)

// Custom counter names.
const (
	CounterDiscarded  = "events_discarded"
	CounterDuplicates = "alerts_duplicate"
	CounterReloads    = "rule_reloads"
	CounterReconnects = "broker_reconnects"
)

// ServiceMetrics is the JSON document stored per service.
type ServiceMetrics struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"` // "healthy" or "unhealthy"

	EventsReceived   uint64 `json:"events_received"`
	EventsProcessed  uint64 `json:"events_processed"`
	AlertsDispatched uint64 `json:"alerts_dispatched"`
	ProcessingErrors uint64 `json:"processing_errors"`

	EventsPerSecond        float64 `json:"events_per_second"`
	AvgProcessingLatencyNs float64 `json:"avg_processing_latency_ns"`

	CustomCounters map[string]uint64 `json:"custom_counters,omitempty"`
}

// Collector collects and reports metrics for a service. It implements Recorder.
type Collector struct {
	serviceName    string
	redis          redis.Cmdable
	startedAt      time.Time
	reportInterval time.Duration

	eventsReceived   atomic.Uint64
	eventsProcessed  atomic.Uint64
	alertsDispatched atomic.Uint64
	processingErrors atomic.Uint64

	totalLatencyNs atomic.Uint64
	latencyCount   atomic.Uint64

	// Rate state, only touched by the reporting goroutine.
	lastReportTime     time.Time
	lastProcessedCount uint64

	customMu       sync.RWMutex
	customCounters map[string]*atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector for serviceName.
func NewCollector(serviceName string, client redis.Cmdable) *Collector {
	now := time.Now().UTC()
	return &Collector{
		serviceName:    serviceName,
		redis:          client,
		startedAt:      now,
		reportInterval: DefaultReportInterval,
		lastReportTime: now,
		customCounters: make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval sets the interval for writing metrics to Redis.
func (c *Collector) SetReportInterval(interval time.Duration) {
	c.reportInterval = interval
}

// Start begins periodic reporting until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.Flush(context.Background())
				return
			case <-c.stopCh:
				c.Flush(context.Background())
				return
			case <-ticker.C:
				c.Flush(ctx)
			}
		}
	}()
}

// Stop stops reporting after a final write.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) RecordReceived() {
	c.eventsReceived.Add(1)
}

func (c *Collector) RecordProcessed(latency time.Duration) {
	c.eventsProcessed.Add(1)
	c.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	c.latencyCount.Add(1)
}

func (c *Collector) RecordDispatched() {
	c.alertsDispatched.Add(1)
}

func (c *Collector) RecordError() {
	c.processingErrors.Add(1)
}

func (c *Collector) RecordDiscarded() {
	c.IncrementCustom(CounterDiscarded)
}

func (c *Collector) RecordDuplicate() {
	c.IncrementCustom(CounterDuplicates)
}

func (c *Collector) RecordReload() {
	c.IncrementCustom(CounterReloads)
}

func (c *Collector) RecordReconnect() {
	c.IncrementCustom(CounterReconnects)
}

// IncrementCustom increments a custom counter by name.
func (c *Collector) IncrementCustom(name string) {
	c.customMu.RLock()
	counter, exists := c.customCounters[name]
	c.customMu.RUnlock()

	if !exists {
		c.customMu.Lock()
		if counter, exists = c.customCounters[name]; !exists {
			counter = &atomic.Uint64{}
			c.customCounters[name] = counter
		}
		c.customMu.Unlock()
	}
	counter.Add(1)
}

// Snapshot returns the current metrics without writing them.
func (c *Collector) Snapshot() *ServiceMetrics {
	now := time.Now().UTC()
	processed := c.eventsProcessed.Load()

	var rate float64
	if elapsed := now.Sub(c.lastReportTime).Seconds(); elapsed > 0 {
		rate = float64(processed-c.lastProcessedCount) / elapsed
	}

	var avgLatencyNs float64
	if n := c.latencyCount.Load(); n > 0 {
		avgLatencyNs = float64(c.totalLatencyNs.Load()) / float64(n)
	}

	c.customMu.RLock()
	custom := make(map[string]uint64, len(c.customCounters))
	for name, counter := range c.customCounters {
		custom[name] = counter.Load()
	}
	c.customMu.RUnlock()

	return &ServiceMetrics{
		ServiceName:            c.serviceName,
		StartedAt:              c.startedAt,
		LastUpdated:            now,
		Status:                 "healthy",
		EventsReceived:         c.eventsReceived.Load(),
		EventsProcessed:        processed,
		AlertsDispatched:       c.alertsDispatched.Load(),
		ProcessingErrors:       c.processingErrors.Load(),
		EventsPerSecond:        rate,
		AvgProcessingLatencyNs: avgLatencyNs,
		CustomCounters:         custom,
	}
}

// Flush writes the current metrics to Redis.
func (c *Collector) Flush(ctx context.Context) {
	if c.redis == nil {
		return
	}

	m := c.Snapshot()
	c.lastReportTime = m.LastUpdated
	c.lastProcessedCount = m.EventsProcessed

	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("Failed to marshal metrics", "service", c.serviceName, "error", err)
		return
	}

	key := KeyPrefix + c.serviceName
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Error("Failed to write metrics to Redis", "service", c.serviceName, "error", err)
		return
	}
	slog.Debug("Metrics written to Redis", "service", c.serviceName, "key", key)
}

// Reader reads service metrics from Redis.
type Reader struct {
	redis redis.Cmdable
}

// NewReader creates a metrics reader.
func NewReader(client redis.Cmdable) *Reader {
	return &Reader{redis: client}
}

// Get retrieves metrics for one service. Metrics older than TTL are reported unhealthy.
func (r *Reader) Get(ctx context.Context, serviceName string) (*ServiceMetrics, error) {
	data, err := r.redis.Get(ctx, KeyPrefix+serviceName).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no metrics found for service: %s", serviceName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	var m ServiceMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if time.Since(m.LastUpdated) > TTL {
		m.Status = "unhealthy"
	}
	return &m, nil
}

// All retrieves metrics for every service that has reported, sorted by name.
func (r *Reader) All(ctx context.Context) ([]*ServiceMetrics, error) {
	var keys []string
	iter := r.redis.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list metrics keys: %w", err)
	}
	sort.Strings(keys)

	out := make([]*ServiceMetrics, 0, len(keys))
	for _, key := range keys {
		m, err := r.Get(ctx, key[len(KeyPrefix):])
		if err != nil {
			slog.Warn("Failed to read metrics for service", "key", key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
