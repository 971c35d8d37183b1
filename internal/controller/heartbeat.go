package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/config"
)

// DefaultMonitorInterval is how often the heartbeat monitor sweeps for
// stale workers, matching the scheduler.DefaultMonitorInterval.
const DefaultMonitorInterval = 10 * time.Second

// WorkerLostFunc is invoked once per detected dead worker, after its
// leases have been revoked and it has been dropped from the registry.
type WorkerLostFunc func(id WorkerID, affectedRunIDs []string)

// HeartbeatMonitor periodically evicts workers whose heartbeat has gone
// stale, revoking their leases and reporting each loss to onLost, grounded
// on the scheduler.HeartbeatMonitor. It does not redistribute a lost
// worker's concurrency share itself; LeaseManager.RebalanceAfterWorkerLoss
// is not called from here.
type HeartbeatMonitor struct {
	registry *Registry
	leases   *LeaseManager
	timeout  time.Duration
	interval time.Duration
	onLost   WorkerLostFunc
	nowNS    func() int64

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewHeartbeatMonitor builds a monitor over registry/leases. timeout/
// interval <= 0 fall back to config.DefaultHeartbeatTimeout/
// DefaultMonitorInterval.
func NewHeartbeatMonitor(registry *Registry, leases *LeaseManager, timeout, interval time.Duration, onLost WorkerLostFunc, nowNS func() int64) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = config.DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if nowNS == nil {
		nowNS = func() int64 { return time.Now().UnixNano() }
	}
	return &HeartbeatMonitor{
		registry: registry,
		leases:   leases,
		timeout:  timeout,
		interval: interval,
		onLost:   onLost,
		nowNS:    nowNS,
	}
}

// Start begins the monitoring loop in a background goroutine. Calling
// Start while already running is a no-op.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, stoppedCh)
}

func (m *HeartbeatMonitor) run(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop halts the monitoring loop and blocks until its goroutine exits.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()
	<-stoppedCh
}

func (m *HeartbeatMonitor) sweep() {
	now := m.nowNS()
	for _, id := range m.registry.StaleWorkers(now, m.timeout) {
		m.handleDeadWorker(id)
	}
	if expired := m.leases.ExpireLeases(); len(expired) > 0 {
		slog.Warn("heartbeat monitor: expired stale leases", "count", len(expired))
	}
}

// handleDeadWorker revokes the worker's leases before removing it from the
// registry, so the allocator never hands out a new credit drop to a worker
// already known to be gone.
func (m *HeartbeatMonitor) handleDeadWorker(id WorkerID) {
	runIDs := m.leases.RevokeWorkerLeases(id)
	if err := m.registry.RemoveWorker(id); err != nil {
		slog.Warn("heartbeat monitor: failed to remove worker", "worker_id", id, "error", err)
		return
	}
	slog.Warn("heartbeat monitor: worker lost", "worker_id", id, "affected_runs", runIDs)
	if m.onLost != nil {
		m.onLost(id, runIDs)
	}
}
