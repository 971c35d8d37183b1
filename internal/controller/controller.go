package controller

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/command"
	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/types"
)

// Controller orchestrates one profiling run across every other service
// (scheduler, worker pool, extractors/processor, records manager) by
// broadcasting PROFILE_CONFIGURE/START/CANCEL/STOP through
// internal/command, and separately owns the worker registry, heartbeat
// monitor, and lease manager that track which workers are alive and how
// much concurrency budget each holds. Grounded on the
// controlplane/runmanager.RunManager (command orchestration) composed with
// controlplane/scheduler's registry/lease/heartbeat trio.
type Controller struct {
	*lifecycle.Service
	Bus        bus.Bus
	Registry   *Registry
	Leases     *LeaseManager
	Heartbeats *HeartbeatMonitor

	// ServiceIDs lists every service instance (by bus service ID) that
	// participates in PROFILE_CONFIGURE/START/CANCEL/STOP broadcasts:
	// typically the scheduler, every worker, and the records manager.
	ServiceIDs []string

	CommandTimeout time.Duration
	CancelTimeout  time.Duration

	tasks  *lifecycle.TaskGroup
	stages *StageSequence
}

// New builds a Controller with config.DefaultCommandTimeout/
// DefaultCancelTimeout as its broadcast deadlines.
func New(b bus.Bus, registry *Registry, leases *LeaseManager, heartbeats *HeartbeatMonitor, serviceIDs []string) *Controller {
	return &Controller{
		Service:        lifecycle.NewService(),
		Bus:            b,
		Registry:       registry,
		Leases:         leases,
		Heartbeats:     heartbeats,
		ServiceIDs:     serviceIDs,
		CommandTimeout: config.DefaultCommandTimeout,
		CancelTimeout:  config.DefaultCancelTimeout,
	}
}

// Configure broadcasts PROFILE_CONFIGURE with cfg to every service and
// transitions the controller into StateReady on full success.
func (c *Controller) Configure(ctx context.Context, cfg config.UserConfig) error {
	_, err := command.SendAndWaitAll(ctx, c.Bus, c.ServiceIDs, command.KindConfigure, cfg, c.CommandTimeout)
	if err != nil {
		return err
	}
	return c.Transition(types.StateReady)
}

// Start broadcasts PROFILE_START, then begins heartbeat monitoring and (if
// any stages were configured) the stage-progression sequence, all under a
// single TaskGroup so Stop can cancel and drain them together.
func (c *Controller) Start(ctx context.Context, stages []StageConfig) error {
	if err := c.Transition(types.StateStarting); err != nil {
		return err
	}
	if _, err := command.SendAndWaitAll(ctx, c.Bus, c.ServiceIDs, command.KindStart, nil, c.CommandTimeout); err != nil {
		return err
	}
	if err := c.Transition(types.StateRunning); err != nil {
		return err
	}

	c.tasks = lifecycle.NewTaskGroup(ctx)
	if c.Heartbeats != nil {
		c.Heartbeats.Start(c.tasks.Context())
	}
	if len(stages) > 0 {
		c.stages = NewStageSequence(stages, nil)
		c.tasks.Spawn(func(taskCtx context.Context) error {
			return c.stages.Run(taskCtx)
		})
	}
	return nil
}

// Cancel broadcasts PROFILE_CANCEL, the operator-initiated early stop that
// the records manager marks on the final ProfileResults
// (Manager.MarkCancelled).
func (c *Controller) Cancel(ctx context.Context) error {
	_, err := command.SendAndWaitAll(ctx, c.Bus, c.ServiceIDs, command.KindCancel, nil, c.CancelTimeout)
	return err
}

// Stop broadcasts PROFILE_STOP, stops the heartbeat monitor and any stage
// progression, and transitions to StateStopped. Every failure along the
// way is aggregated with multierr rather than stopping at the first one,
// so a broadcast timeout doesn't prevent the heartbeat monitor or task
// group from being torn down.
func (c *Controller) Stop(ctx context.Context) error {
	var err error

	if transErr := c.Transition(types.StateStopping); transErr != nil {
		err = multierr.Append(err, transErr)
	}

	_, broadcastErr := command.SendAndWaitAll(ctx, c.Bus, c.ServiceIDs, command.KindStop, nil, c.CancelTimeout)
	if broadcastErr != nil {
		err = multierr.Append(err, broadcastErr)
	}

	if c.Heartbeats != nil {
		c.Heartbeats.Stop()
	}
	if c.Leases != nil {
		c.Leases.Close()
	}
	if c.Registry != nil {
		c.Registry.Close()
	}

	if c.tasks != nil {
		ok, taskErrs := c.tasks.CancelAndWait(c.CancelTimeout)
		if !ok {
			err = multierr.Append(err, context.DeadlineExceeded)
		}
		for _, e := range taskErrs {
			err = multierr.Append(err, e)
		}
	}

	if transErr := c.Transition(types.StateStopped); transErr != nil {
		err = multierr.Append(err, transErr)
	}
	return err
}

// Shutdown broadcasts SHUTDOWN to every service, aggregating per-service
// failures with multierr so a single unresponsive service doesn't mask the
// others' errors, matching the "controller's multi-service
// shutdown" use of go.uber.org/multierr.
func (c *Controller) Shutdown(ctx context.Context) error {
	responses, err := command.SendAndWaitAll(ctx, c.Bus, c.ServiceIDs, command.KindShutdown, nil, c.CancelTimeout)
	var agg error
	if err != nil {
		agg = multierr.Append(agg, err)
	}
	for svc, resp := range responses {
		if resp.Status == command.StatusError {
			agg = multierr.Append(agg, &serviceShutdownError{service: svc, message: resp.Error})
		}
	}
	return agg
}

type serviceShutdownError struct {
	service string
	message string
}

func (e *serviceShutdownError) Error() string {
	return "controller: " + e.service + ": " + e.message
}
