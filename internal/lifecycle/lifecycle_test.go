package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aiperf/aiperf/internal/types"
)

func TestTransitionRejectsIllegalMove(t *testing.T) {
	s := NewService()
	if err := s.Transition(types.StateRunning); err == nil {
		t.Fatalf("INITIALIZING -> RUNNING must be rejected")
	}
	if s.State() != types.StateInitializing {
		t.Fatalf("state must not change after a rejected transition")
	}
}

func TestTransitionRunsHooksInOrder(t *testing.T) {
	s := NewService()
	var order []string
	s.RegisterHook(HookBeforeStart, func() { order = append(order, "before") })
	s.RegisterHook(HookAfterStart, func() { order = append(order, "after") })

	_ = s.Transition(types.StateReady)
	_ = s.Transition(types.StateStarting)
	_ = s.Transition(types.StateRunning)

	if len(order) != 2 || order[0] != "before" || order[1] != "after" {
		t.Fatalf("hook order = %v, want [before after]", order)
	}
}

func TestTaskGroupCancelAndWaitStopsTasks(t *testing.T) {
	g := NewTaskGroup(context.Background())
	g.Spawn(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ok, errs := g.CancelAndWait(time.Second)
	if !ok {
		t.Fatalf("task did not stop within timeout")
	}
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
}

func TestTaskGroupCollectsErrors(t *testing.T) {
	g := NewTaskGroup(context.Background())
	g.Spawn(func(ctx context.Context) error { return errors.New("boom") })
	errs := g.Wait()
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one error", errs)
	}
}
