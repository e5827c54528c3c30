// Package health runs periodic component checks and folds them into one
// overall status.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/circuitbreaker"
	"github.com/migadu/policyd/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckState is a point-in-time copy of a check's state.
type CheckState struct {
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	LastError string          `json:"last_error,omitempty"`
	Checks    int             `json:"checks"`
	Failures  int             `json:"failures"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once, then on its interval until ctx
// is cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health monitoring started", "check", check.Name, "interval", check.Interval)
	hm.RunCheck(ctx, check.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.RunCheck(ctx, check.Name)
		}
	}
}

// RunCheck performs the named check now and returns its new status.
func (hm *HealthMonitor) RunCheck(ctx context.Context, name string) ComponentStatus {
	hm.mu.RLock()
	check, ok := hm.checks[name]
	hm.mu.RUnlock()
	if !ok {
		return StatusUnreachable
	}
	status := hm.performCheck(ctx, check)
	hm.updateOverallStatus()
	return status
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) (status ComponentStatus) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := safeCheck(ctx, check.Check)
	metrics.HealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	first := check.checkCount == 1
	if err != nil {
		check.failCount++
		check.lastError = err
		// Recent history decides between degraded and unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	status = check.status
	check.mu.Unlock()

	metrics.HealthChecks.WithLabelValues(check.Name, string(status)).Inc()
	metrics.HealthStatus.WithLabelValues(check.Name).Set(status.gauge())

	switch {
	case err != nil && (previous != status || first):
		logger.Warn("Health check failed", "check", check.Name, "status", string(status), "error", err)
	case previous != status:
		logger.Info("Health check status changed", "check", check.Name, "from", string(previous), "to", string(status))
	}
	return status
}

func safeCheck(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Overall health changed", "from", string(previous), "to", string(hm.overallStatus))
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()
	if !exists {
		return StatusUnreachable, false
	}
	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

// Snapshot returns the state of every check keyed by name.
func (hm *HealthMonitor) Snapshot() map[string]CheckState {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]CheckState, len(hm.checks))
	for name, check := range hm.checks {
		check.mu.RLock()
		st := CheckState{
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
			Checks:    check.checkCount,
			Failures:  check.failCount,
		}
		if check.lastError != nil {
			st.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		out[name] = st
	}
	return out
}

// Pinger is a component that can be probed with a cheap round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck probes p on every interval.
func PingCheck(name string, p Pinger, interval time.Duration, critical bool) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    p.Ping,
	}
}

// BreakerStater exposes a circuit breaker's state.
type BreakerStater interface {
	BreakerState() circuitbreaker.State
}

// BreakerCheck fails while the breaker is open. A half-open breaker is
// reported healthy; its probe requests decide the next state.
func BreakerCheck(name string, b BreakerStater, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Check: func(context.Context) error {
			if s := b.BreakerState(); s == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker is %s", s)
			}
			return nil
		},
	}
}
