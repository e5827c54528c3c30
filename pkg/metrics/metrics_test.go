package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mockStatsProvider struct {
	stats GreylistStats
	err   error
	calls atomic.Int32
}

func (m *mockStatsProvider) Stats(ctx context.Context) (GreylistStats, error) {
	m.calls.Add(1)
	return m.stats, m.err
}

func TestCollectorUpdatesGauges(t *testing.T) {
	GreylistRecords.Reset()
	provider := &mockStatsProvider{stats: GreylistStats{Pending: 7, Valid: 3}}
	collector := NewCollector(provider, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	collector.Start(ctx)

	assert.GreaterOrEqual(t, provider.calls.Load(), int32(2), "immediate collection plus at least one tick")
	assert.Equal(t, 7.0, testutil.ToFloat64(GreylistRecords.WithLabelValues("pending")))
	assert.Equal(t, 3.0, testutil.ToFloat64(GreylistRecords.WithLabelValues("valid")))
}

func TestCollectorStopAndErrors(t *testing.T) {
	GreylistRecords.Reset()
	provider := &mockStatsProvider{err: errors.New("store down")}
	collector := NewCollector(provider, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	collector.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
	assert.Equal(t, 0, testutil.CollectAndCount(GreylistRecords), "failed collection must not set gauges")
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	c := NewCollector(&mockStatsProvider{}, 0)
	assert.Equal(t, 60*time.Second, c.interval)
}

func TestCounters(t *testing.T) {
	StageDecisions.Reset()
	StageDecisions.WithLabelValues("envrcpt", "reject").Inc()
	StageDecisions.WithLabelValues("envrcpt", "reject").Inc()
	StageDecisions.WithLabelValues("connect", "continue").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(StageDecisions.WithLabelValues("envrcpt", "reject")))
	assert.Equal(t, 2, testutil.CollectAndCount(StageDecisions))
}
