// Package command implements the command/response layer: every
// service registers handlers for the commands it understands, and a single
// dispatcher per service routes incoming CommandMessages to them and turns
// the result into a CommandResponse.
package command

import (
	"context"
	"fmt"
)

// Kind names a command understood by one or more service types.
type Kind string

const (
	KindConfigure   Kind = "PROFILE_CONFIGURE"
	KindStart       Kind = "PROFILE_START"
	KindCancel      Kind = "PROFILE_CANCEL"
	KindStop        Kind = "PROFILE_STOP"
	KindHealthCheck Kind = "HEALTH_CHECK"
	KindShutdown    Kind = "SHUTDOWN"
)

// ResponseStatus is the outcome a Handler reports back to the sender.
type ResponseStatus string

const (
	StatusAcknowledged ResponseStatus = "ACKNOWLEDGED"
	StatusSuccess      ResponseStatus = "SUCCESS"
	StatusError        ResponseStatus = "ERROR"
	StatusUnhandled    ResponseStatus = "UNHANDLED"
)

// Message is one command sent to a service.
type Message struct {
	CommandID string `json:"command_id"`
	Kind      Kind   `json:"kind"`
	ServiceID string `json:"service_id,omitempty"`
	Args      any    `json:"args,omitempty"`
}

// Response answers a Message.
type Response struct {
	CommandID string         `json:"command_id"`
	Status    ResponseStatus `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Handler executes one Kind of command and returns the value to carry back
// in Response.Result, or an error to report as StatusError.
type Handler func(ctx context.Context, msg Message) (any, error)

// Registry holds the command handlers one service instance understands, and
// dispatches incoming Messages to them. It deduplicates by CommandID so a
// retried send (the caller's bus Request timed out but the command actually
// landed) answers with StatusAcknowledged instead of re-running a
// non-idempotent handler such as PROFILE_START.
// Registry is not safe for concurrent Dispatch calls; each service runs a
// single dispatcher goroutine , so Dispatch is never called
// concurrently with itself.
type Registry struct {
	handlers map[Kind]Handler
	seen     map[string]Response
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Kind]Handler),
		seen:     make(map[string]Response),
	}
}

// Register binds handler to kind. Registering the same kind twice silently
// replaces the previous handler.
func (r *Registry) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// Dispatch routes msg to its registered handler and returns the Response to
// send back. A command with no registered handler for its Kind yields
// StatusUnhandled rather than an error, since "this service doesn't do
// that" is a normal outcome (e.g. a worker ignoring a records-manager-only
// command) rather than a bug.
func (r *Registry) Dispatch(ctx context.Context, msg Message) Response {
	if prior, ok := r.seen[msg.CommandID]; ok {
		return Response{CommandID: msg.CommandID, Status: StatusAcknowledged, Result: prior.Result}
	}

	h, ok := r.handlers[msg.Kind]
	if !ok {
		resp := Response{CommandID: msg.CommandID, Status: StatusUnhandled}
		r.seen[msg.CommandID] = resp
		return resp
	}

	result, err := h(ctx, msg)
	var resp Response
	if err != nil {
		resp = Response{CommandID: msg.CommandID, Status: StatusError, Error: err.Error()}
	} else {
		resp = Response{CommandID: msg.CommandID, Status: StatusSuccess, Result: result}
	}
	r.seen[msg.CommandID] = resp
	return resp
}

// ErrTimeout is returned by SendAndWaitAll when the expected number of
// responses doesn't arrive before the deadline.
type ErrTimeout struct {
	Kind     Kind
	Got      int
	Expected int
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("command: %s timed out waiting for responses (%d/%d)", e.Kind, e.Got, e.Expected)
}
