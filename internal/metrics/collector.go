package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intellioptics/platform/internal/modelcache"
)

// Config wires the in-process sources the collector polls. Every field is
// optional; a nil source leaves its gauges at zero.
type Config struct {
	ModelCache     func() modelcache.Stats
	DemoSessions   func() int
	IngestWorkers  func() int
	QueuePending   func(ctx context.Context) (int, error)
	QueueName      string
	CollectEvery   time.Duration
}

// Collector polls process-internal state into gauges and serves the combined
// scrape endpoint (polled gauges plus the package-level counters).
type Collector struct {
	config   Config
	registry *prometheus.Registry

	mu           sync.RWMutex
	lastSnapshot time.Time

	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
	cacheEvictions prometheus.Gauge
	cacheLoaded    prometheus.Gauge

	demoActive   prometheus.Gauge
	ingestActive prometheus.Gauge
	queueDepth   *prometheus.GaugeVec
	snapshotAge  prometheus.Gauge
}

func NewCollector(cfg Config) *Collector {
	if cfg.CollectEvery <= 0 {
		cfg.CollectEvery = 2 * time.Second
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		config:   cfg,
		registry: reg,
	}

	c.snapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_metrics_snapshot_age_seconds",
		Help: "Age of the last successful collect loop",
	})
	reg.MustRegister(c.snapshotAge)

	c.cacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_model_cache_hits_total",
		Help: "Model cache hits since process start",
	})
	reg.MustRegister(c.cacheHits)

	c.cacheMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_model_cache_misses_total",
		Help: "Model cache misses since process start",
	})
	reg.MustRegister(c.cacheMisses)

	c.cacheEvictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_model_cache_evictions_total",
		Help: "Model sessions evicted from the cache",
	})
	reg.MustRegister(c.cacheEvictions)

	c.cacheLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_model_cache_loaded",
		Help: "Model sessions currently resident",
	})
	reg.MustRegister(c.cacheLoaded)

	c.demoActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_demo_sessions_active",
		Help: "Demo capture sessions currently running",
	})
	reg.MustRegister(c.demoActive)

	c.ingestActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "io_ingest_workers_active",
		Help: "Stream ingest workers currently running",
	})
	reg.MustRegister(c.ingestActive)

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "io_queue_pending",
		Help: "Messages waiting in the fallback queue",
	}, []string{"queue"})
	reg.MustRegister(c.queueDepth)

	return c
}

func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.config.CollectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Handler serves the collector's registry merged with the default registry,
// so one scrape covers both the polled gauges and the package counters.
func (c *Collector) Handler() http.Handler {
	gatherers := prometheus.Gatherers{c.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func (c *Collector) collect(ctx context.Context) {
	if c.config.ModelCache != nil {
		stats := c.config.ModelCache()
		c.cacheHits.Set(float64(stats.Hits))
		c.cacheMisses.Set(float64(stats.Misses))
		c.cacheEvictions.Set(float64(stats.Evictions))
		c.cacheLoaded.Set(float64(stats.Loaded))
	}

	if c.config.DemoSessions != nil {
		c.demoActive.Set(float64(c.config.DemoSessions()))
	}
	if c.config.IngestWorkers != nil {
		c.ingestActive.Set(float64(c.config.IngestWorkers()))
	}

	if c.config.QueuePending != nil {
		queueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if n, err := c.config.QueuePending(queueCtx); err == nil {
			c.queueDepth.WithLabelValues(c.config.QueueName).Set(float64(n))
		}
		cancel()
	}

	c.mu.Lock()
	c.lastSnapshot = time.Now()
	c.mu.Unlock()
	c.snapshotAge.Set(0)
}
