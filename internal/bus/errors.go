// Package bus implements the message-bus substrate: pub/sub,
// push/pull, and request/reply transports over a single process-local
// implementation, plus frontend/backend proxies so producers and consumers
// can be added without reconfiguring their peers.
package bus

import "errors"

// CommsError wraps a transport-level failure (serialization, closed bus,
// broken pipe). Call sites that need to distinguish a timeout from any
// other transport failure should check for TimeoutError first.
type CommsError struct {
	Op  string
	Err error
}

func (e *CommsError) Error() string {
	if e.Err == nil {
		return "bus: " + e.Op
	}
	return "bus: " + e.Op + ": " + e.Err.Error()
}

func (e *CommsError) Unwrap() error { return e.Err }

// TimeoutError is returned by Request when no matching reply arrives within
// the caller's timeout.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return "bus: request " + e.RequestID + " timed out waiting for reply"
}

var (
	// ErrBusClosed is returned by any operation attempted after Close.
	ErrBusClosed = errors.New("bus: closed")
	// ErrNoSuchQueue names a pull against an unknown queue. The in-process
	// Bus never returns it: Pull creates the queue on first use and blocks.
	ErrNoSuchQueue = errors.New("bus: no such queue")
	// ErrMissingRequestID is returned by Request when the caller didn't set Message.RequestID.
	ErrMissingRequestID = errors.New("bus: request message missing RequestID")
)
