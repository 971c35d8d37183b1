package controller

import (
	"context"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/types"
)

// StageConfig is the execution-time form of one config.StageConfig, with
// Phase resolved to a types.CreditPhase.
type StageConfig struct {
	Name     string
	Phase    types.CreditPhase
	Duration time.Duration
}

// StagesFromConfig converts the validated user-facing stage list into the
// execution-time form the controller's StageSequence consumes.
func StagesFromConfig(stages []config.StageConfig) []StageConfig {
	out := make([]StageConfig, len(stages))
	for i, s := range stages {
		out[i] = StageConfig{Name: s.Name, Phase: types.CreditPhase(s.Phase), Duration: s.Duration}
	}
	return out
}

// StageAdvanceFunc is invoked with the new stage whenever the sequence
// advances, so the controller can re-point the scheduler at the stage's
// phase (e.g. switching it from PhasePreflight to PhaseProfiling).
type StageAdvanceFunc func(stage StageConfig)

// StageSequence walks a fixed list of stages on their own timers,
// auto-advancing from one to the next, grounded on the
// runmanager stage-progression state machine (stages.go) but collapsed
// from its dynamic MCP-stage config parsing into a plain slice, since
// AIPerf stages are an extension rather than a
// backend-negotiated protocol.
type StageSequence struct {
	stages  []StageConfig
	onAdvance StageAdvanceFunc
	current int
}

// NewStageSequence returns a sequence over stages; onAdvance fires once
// per stage (including the first) as Run progresses.
func NewStageSequence(stages []StageConfig, onAdvance StageAdvanceFunc) *StageSequence {
	return &StageSequence{stages: stages, onAdvance: onAdvance, current: -1}
}

// Current returns the stage currently active, or the zero value and false
// if Run has not started or has finished.
func (s *StageSequence) Current() (StageConfig, bool) {
	if s.current < 0 || s.current >= len(s.stages) {
		return StageConfig{}, false
	}
	return s.stages[s.current], true
}

// Run advances through every stage in order, sleeping for each stage's
// Duration before moving to the next, until the sequence is exhausted or
// ctx is cancelled (e.g. by PROFILE_CANCEL). It returns nil when the
// sequence completes normally or ctx.Err() otherwise.
func (s *StageSequence) Run(ctx context.Context) error {
	for i, stage := range s.stages {
		s.current = i
		if s.onAdvance != nil {
			s.onAdvance(stage)
		}
		if stage.Duration <= 0 {
			continue
		}
		timer := time.NewTimer(stage.Duration)
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.current = len(s.stages)
	return nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
