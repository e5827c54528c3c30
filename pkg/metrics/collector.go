package metrics

import (
	"context"
	"time"

	"github.com/migadu/policyd/logger"
)

// GreylistStats are aggregate counts of stored greylist records.
type GreylistStats struct {
	Pending int64
	Valid   int64
}

// StatsProvider is implemented by the greylist engine.
type StatsProvider interface {
	Stats(ctx context.Context) (GreylistStats, error)
}

// Collector periodically refreshes gauges that require a store scan.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting greylist stats", "error", err)
		return
	}
	GreylistRecords.WithLabelValues("pending").Set(float64(stats.Pending))
	GreylistRecords.WithLabelValues("valid").Set(float64(stats.Valid))
	logger.Debug("MetricsCollector: updated greylist gauges", "pending", stats.Pending, "valid", stats.Valid)
}
