// Package scheduler implements the credit scheduler: it drops one
// CreditDrop per permitted request onto the worker pool's queue and waits
// for the matching CreditReturn before the profiling run can finish,
// enforcing a strict 1:1 drop/return invariant.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/google/uuid"
)

// Strategy generates the sequence of credit drops for one profiling run.
// Each strategy owns its own pacing decision; Scheduler only owns the
// credit-accounting and bus plumbing common to all of them.
type Strategy interface {
	// Run drops credits onto emit until ctx is cancelled or the strategy
	// decides the run is complete (e.g. fixed-schedule ran out of entries).
	// It does not wait for returns; Scheduler tracks those separately.
	Run(ctx context.Context, emit func(types.CreditDrop) error) error
}

// Scheduler owns the credit-drop/credit-return accounting for one profiling
// run and stamps each drop with the current phase set through SetPhase; the
// caller drives the phase sequence. The pacing decision is delegated to a
// Strategy.
type Scheduler struct {
	*lifecycle.Service
	bus       bus.Bus
	strategy  Strategy
	queueName string

	outstanding atomic.Int64
	dropped     atomic.Int64
	returned    atomic.Int64

	mu          sync.Mutex
	phase       types.CreditPhase
	creditNum   int64
	pendingDrop map[string]int64 // credit_drop_id -> scheduled_perf_ns of each credit not yet returned

	cancellationRatePct float64 // 0-100; 0 disables per-request cancellation entirely
	cancellationDelayNS int64
	cancellationRNG     *rand.Rand
}

// New constructs a Scheduler that drops credits onto queueName using b and
// paces them according to strategy.
func New(b bus.Bus, queueName string, strategy Strategy) *Scheduler {
	return &Scheduler{
		Service:         lifecycle.NewService(),
		bus:             b,
		strategy:        strategy,
		queueName:       queueName,
		phase:           types.PhaseWarmup,
		pendingDrop:     make(map[string]int64),
		cancellationRNG: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPhase records the scheduler's current phase; workers read it back off
// each CreditDrop to tag the resulting MetricRecord.
func (s *Scheduler) SetPhase(p types.CreditPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// SetCancellationPolicy configures the cancellation-after policy: ratePct
// percent of dropped credits (0-100) are stamped should_cancel, each with
// the same cancel_after_ns delay. This applies uniformly regardless of
// which Strategy is pacing drops. A ratePct of 0 disables cancellation.
func (s *Scheduler) SetCancellationPolicy(ratePct float64, delay time.Duration) {
	s.mu.Lock()
	s.cancellationRatePct = ratePct
	s.cancellationDelayNS = delay.Nanoseconds()
	s.mu.Unlock()
}

// Run drives the strategy until ctx is done, dropping credits onto the
// worker pool's push/pull queue and counting drops against returns.
func (s *Scheduler) Run(ctx context.Context, anchorNS, anchorPerfNS int64, nowPerfNS func() int64) error {
	if err := s.Transition(types.StateStarting); err != nil {
		return err
	}
	if err := s.Transition(types.StateRunning); err != nil {
		return err
	}

	emit := func(partial types.CreditDrop) error {
		partial.CreditDropID = uuid.NewString()
		if partial.ScheduledPerfNS == nil {
			scheduled := nowPerfNS()
			partial.ScheduledPerfNS = &scheduled
		}

		s.mu.Lock()
		partial.Phase = s.phase
		s.creditNum++
		partial.CreditNum = s.creditNum
		s.pendingDrop[partial.CreditDropID] = *partial.ScheduledPerfNS
		if s.cancellationRatePct > 0 && s.cancellationRNG.Float64()*100 < s.cancellationRatePct {
			partial.ShouldCancel = true
			partial.CancelAfterNS = s.cancellationDelayNS
		}
		s.mu.Unlock()

		s.outstanding.Add(1)
		s.dropped.Add(1)

		return s.bus.Push(ctx, s.queueName, bus.Message{
			MessageType: types.MsgCreditDrop,
			RequestID:   partial.CreditDropID,
			TimestampNS: anchorNS,
			Payload:     partial,
		})
	}

	err := s.strategy.Run(ctx, emit)

	_ = s.Transition(types.StateStopping)
	return err
}

// OnCreditReturn records one CreditReturn, decrementing the outstanding
// count; callers wire this as a bus.Subscribe handler on the CreditReturn
// topic.
func (s *Scheduler) OnCreditReturn(ret types.CreditReturn) {
	s.mu.Lock()
	delete(s.pendingDrop, ret.CreditDropID)
	s.mu.Unlock()

	s.outstanding.Add(-1)
	s.returned.Add(1)
}

// Outstanding reports the number of credits dropped but not yet returned;
// a graceful shutdown waits for this to reach zero (within
// config.DefaultCancelTimeout) before declaring the run complete.
func (s *Scheduler) Outstanding() int64 { return s.outstanding.Load() }

// WaitForDrain blocks until Outstanding reaches zero or timeout elapses.
func (s *Scheduler) WaitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.Outstanding() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
