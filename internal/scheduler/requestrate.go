package scheduler

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/types"
)

// RequestRateStrategy drops credits at a target rate using either constant
// inter-arrival spacing or a Poisson process, generalizing the
// token-bucket RateLimiter into explicit scheduled timestamps: each credit
// carries the perf-counter instant it was due (ScheduledPerfNS), and the
// worker records how late it actually fired as credit_drop_latency (the
// chosen resolution for Poisson vs constant spacing).
type RequestRateStrategy struct {
	RatePerSecond float64
	Distribution  config.RateDistribution
	NowPerfNS     func() int64
	Rand          *rand.Rand // nil seeds a new source from the current time
	// Done reports true once the strategy should stop.
	Done func() bool
}

func (r *RequestRateStrategy) Run(ctx context.Context, emit func(types.CreditDrop) error) error {
	if r.RatePerSecond <= 0 {
		return nil
	}
	meanIntervalNS := float64(time.Second) / r.RatePerSecond
	rng := r.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	next := r.NowPerfNS()
	for {
		if r.Done != nil && r.Done() {
			return nil
		}

		waitNS := next - r.NowPerfNS()
		if waitNS > 0 {
			timer := time.NewTimer(time.Duration(waitNS))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		} else if err := ctx.Err(); err != nil {
			return nil
		}

		scheduled := next
		if err := emit(types.CreditDrop{ScheduledPerfNS: &scheduled}); err != nil {
			return err
		}

		interval := meanIntervalNS
		if r.Distribution == config.DistributionPoisson {
			interval = -math.Log(1-rng.Float64()) * meanIntervalNS
		}
		next += int64(interval)
	}
}
