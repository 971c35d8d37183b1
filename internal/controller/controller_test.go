package controller

import (
	"context"
	"testing"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/command"
	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/aiperf/aiperf/internal/workerpool"
)

func TestRegistryHeartbeatMarksSaturatedUnderHighCPU(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.RegisterWorker(WorkerCapacity{MaxInFlight: 10})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	if err := r.Heartbeat(id, &WorkerHealth{Host: hostCPU(95)}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	w, _ := r.Get(id)
	if !w.Saturated {
		t.Fatalf("expected worker to be marked saturated at 95%% CPU")
	}
	if w.EffectiveCapacity.MaxInFlight != 5 {
		t.Fatalf("EffectiveCapacity.MaxInFlight = %d, want 5", w.EffectiveCapacity.MaxInFlight)
	}

	if err := r.Heartbeat(id, &WorkerHealth{Host: hostCPU(85)}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	w, _ = r.Get(id)
	if !w.Saturated {
		t.Fatalf("expected worker to remain saturated until below the unsaturate threshold")
	}

	if err := r.Heartbeat(id, &WorkerHealth{Host: hostCPU(70)}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	w, _ = r.Get(id)
	if w.Saturated {
		t.Fatalf("expected worker to unsaturate below 80%% CPU")
	}
	if w.EffectiveCapacity.MaxInFlight != 10 {
		t.Fatalf("EffectiveCapacity.MaxInFlight = %d, want restored to 10", w.EffectiveCapacity.MaxInFlight)
	}
}

func TestRegistryRemoveWorkerMissingReturnsNotFound(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RemoveWorker("wkr_nope"); err != ErrWorkerNotFound {
		t.Fatalf("RemoveWorker on unknown id = %v, want ErrWorkerNotFound", err)
	}
}

func TestLeaseManagerRebalanceAfterWorkerLoss(t *testing.T) {
	lm := NewLeaseManager(0, nil)
	survivors := []WorkerID{"wkr_a", "wkr_b", "wkr_c"}
	lm.RebalanceAfterWorkerLoss("run-1", 10, survivors)

	total := lm.ActiveSharesForRun("run-1")
	if total != 10 {
		t.Fatalf("ActiveSharesForRun = %d, want 10 (full lost share redistributed)", total)
	}
}

func TestLeaseManagerRevokeWorkerLeasesReturnsAffectedRuns(t *testing.T) {
	lm := NewLeaseManager(0, nil)
	if _, err := lm.IssueLease("wkr_a", "run-1", 4); err != nil {
		t.Fatalf("IssueLease: %v", err)
	}
	if _, err := lm.IssueLease("wkr_a", "run-2", 2); err != nil {
		t.Fatalf("IssueLease: %v", err)
	}

	runs := lm.RevokeWorkerLeases("wkr_a")
	if len(runs) != 2 {
		t.Fatalf("RevokeWorkerLeases returned %d runs, want 2", len(runs))
	}
	if lm.ActiveSharesForRun("run-1") != 0 {
		t.Fatalf("expected run-1's lease to be revoked")
	}
}

func TestHeartbeatMonitorEvictsStaleWorker(t *testing.T) {
	now := int64(0)
	nowFn := func() int64 { return now }

	r := NewRegistry(nowFn)
	id, _ := r.RegisterWorker(WorkerCapacity{MaxInFlight: 4})

	lm := NewLeaseManager(time.Hour, nowFn)
	_, _ = lm.IssueLease(id, "run-1", 4)

	var lostID WorkerID
	var lostRuns []string
	mon := NewHeartbeatMonitor(r, lm, 10*time.Millisecond, time.Millisecond, func(w WorkerID, runs []string) {
		lostID = w
		lostRuns = runs
	}, nowFn)

	now = int64(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Get(id); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker was never evicted")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	mon.Stop()

	if lostID != id {
		t.Fatalf("onLost called with %q, want %q", lostID, id)
	}
	if len(lostRuns) != 1 || lostRuns[0] != "run-1" {
		t.Fatalf("onLost runs = %v, want [run-1]", lostRuns)
	}
}

func TestStageSequenceAdvancesThroughEachStage(t *testing.T) {
	var seen []string
	seq := NewStageSequence([]StageConfig{
		{Name: "preflight", Phase: types.PhasePreflight, Duration: time.Millisecond},
		{Name: "profiling", Phase: types.PhaseProfiling, Duration: time.Millisecond},
	}, func(s StageConfig) { seen = append(seen, s.Name) })

	if err := seq.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != "preflight" || seen[1] != "profiling" {
		t.Fatalf("stage order = %v, want [preflight profiling]", seen)
	}
	if _, ok := seq.Current(); ok {
		t.Fatalf("expected no current stage after the sequence completes")
	}
}

func TestStageSequenceStopsOnContextCancel(t *testing.T) {
	seq := NewStageSequence([]StageConfig{
		{Name: "soak", Phase: types.PhaseSoak, Duration: time.Hour},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected Run to return context.Canceled")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not observe cancellation")
	}
}

func TestControllerConfigureStartStopBroadcastsToAllServices(t *testing.T) {
	b := bus.New()
	defer b.Close()

	services := []string{"scheduler", "records"}
	for _, svc := range services {
		reg := command.NewRegistry()
		reg.Register(command.KindConfigure, func(ctx context.Context, msg command.Message) (any, error) {
			return "ok", nil
		})
		reg.Register(command.KindStart, func(ctx context.Context, msg command.Message) (any, error) {
			return "ok", nil
		})
		reg.Register(command.KindStop, func(ctx context.Context, msg command.Message) (any, error) {
			return "ok", nil
		})
		d := &command.Dispatcher{Bus: b, ServiceID: svc, Registry: reg}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go d.Run(ctx)
	}
	// give the dispatcher subscriptions a moment to register before we broadcast.
	time.Sleep(10 * time.Millisecond)

	c := New(b, NewRegistry(nil), NewLeaseManager(0, nil), nil, services)
	ctx := context.Background()

	if err := c.Configure(ctx, config.UserConfig{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func hostCPU(pct float64) workerpool.HostMetrics {
	return workerpool.HostMetrics{CPUPercent: pct}
}
