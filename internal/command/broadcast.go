package command

import (
	"context"
	"time"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/google/uuid"
)

// Dispatcher reads a service's command queue and routes each message to its
// Registry, publishing the resulting Response back through the bus. It is
// the single reader of the service's command topic, matching the "single
// dispatcher per service, explicit registration" redesign decision in place
// of the metaclass hook scan.
type Dispatcher struct {
	Bus       bus.Bus
	ServiceID string
	Registry  *Registry
}

// Run drives the dispatch loop until ctx is cancelled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	topic := "CommandMessage." + d.ServiceID
	msgCh := make(chan bus.Message)
	cancel := d.Bus.Subscribe(topic, func(m bus.Message) {
		select {
		case msgCh <- m:
		case <-ctx.Done():
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-msgCh:
			cmd, ok := envelope.Payload.(Message)
			if !ok {
				continue
			}
			resp := d.Registry.Dispatch(ctx, cmd)
			_ = d.Bus.Reply(ctx, envelope.RequestID, bus.Message{
				MessageType: types.MsgCommandResponse,
				ServiceID:   d.ServiceID,
				RequestID:   envelope.RequestID,
				Payload:     resp,
			})
		}
	}
}

// SendAndWaitSingle sends cmd to exactly one service instance and blocks
// for its Response.
func SendAndWaitSingle(ctx context.Context, b bus.Bus, service string, kind Kind, args any, timeout time.Duration) (Response, error) {
	cmd := Message{CommandID: uuid.NewString(), Kind: kind, Args: args}
	reply, err := b.Request(ctx, service, bus.Message{
		MessageType: types.MsgCommand,
		RequestID:   cmd.CommandID,
		Payload:     cmd,
	}, timeout)
	if err != nil {
		return Response{}, err
	}
	resp, _ := reply.Payload.(Response)
	return resp, nil
}

// SendAndWaitAll broadcasts cmd to every serviceID in services and waits
// for all of their Responses, up to timeout. It returns the responses
// received so far alongside an *ErrTimeout if not every service answered
// in time, so the caller (typically the controller orchestrating a
// cluster-wide PROFILE_START) can decide whether a partial quorum is
// acceptable.
func SendAndWaitAll(ctx context.Context, b bus.Bus, services []string, kind Kind, args any, timeout time.Duration) (map[string]Response, error) {
	responses := make(map[string]Response, len(services))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		service string
		resp    Response
		err     error
	}
	results := make(chan result, len(services))

	for _, svc := range services {
		svc := svc
		go func() {
			resp, err := SendAndWaitSingle(ctx, b, svc, kind, args, timeout)
			results <- result{service: svc, resp: resp, err: err}
		}()
	}

	for range services {
		r := <-results
		if r.err == nil {
			responses[r.service] = r.resp
		}
	}

	if len(responses) < len(services) {
		return responses, &ErrTimeout{Kind: kind, Got: len(responses), Expected: len(services)}
	}
	return responses, nil
}
