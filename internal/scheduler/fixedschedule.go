package scheduler

import (
	"context"
	"time"

	"github.com/aiperf/aiperf/internal/types"
)

// ScheduleEntry is one row of a fixed-schedule input: a perf-counter offset
// (relative to the run's anchor) at which a credit must be dropped, plus
// the conversation it should carry.
type ScheduleEntry struct {
	OffsetNS       int64
	ConversationID string
}

// FixedScheduleStrategy replays a pre-recorded arrival pattern exactly,
// grounded on the swarm-mode Engine burst replay, generalized
// from a fixed VU burst size to an arbitrary list of timestamped entries.
type FixedScheduleStrategy struct {
	Entries   []ScheduleEntry
	NowPerfNS func() int64
	AnchorPerfNS int64
}

func (f *FixedScheduleStrategy) Run(ctx context.Context, emit func(types.CreditDrop) error) error {
	start := f.AnchorPerfNS
	if start == 0 {
		start = f.NowPerfNS()
	}

	for _, entry := range f.Entries {
		target := start + entry.OffsetNS
		waitNS := target - f.NowPerfNS()
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

		scheduled := target
		drop := types.CreditDrop{
			ConversationID:  entry.ConversationID,
			ScheduledPerfNS: &scheduled,
		}
		if err := emit(drop); err != nil {
			return err
		}
	}
	return nil
}
