package bus

import "context"

// Forwarder relays messages between two buses, letting a worker process
// embed its own local Bus while still participating in the controller's
// cluster-wide queues and topics. The zero-value production deployment of this
// repo runs a single in-process Bus; Forwarder is the seam a networked
// transport plugs into without requiring any change to the service code
// above Bus.
type Forwarder struct {
	Local, Remote Bus
}

// ForwardQueue pumps every message pulled from queueName on f.Remote onto
// the same queue on f.Local, until ctx is cancelled. Used by a worker
// process to receive CreditDrop messages pushed by a controller process
// running its own Bus.
func (f *Forwarder) ForwardQueue(ctx context.Context, queueName string) error {
	for {
		m, err := f.Remote.Pull(ctx, queueName)
		if err != nil {
			return err
		}
		if err := f.Local.Push(ctx, queueName, m); err != nil {
			return err
		}
	}
}

// ForwardTopic subscribes to topic on f.Remote and republishes every
// matching message onto f.Local, until cancel is called.
func (f *Forwarder) ForwardTopic(topic string) (cancel func()) {
	return f.Remote.Subscribe(topic, func(m Message) {
		_ = f.Local.Publish(context.Background(), topic, m)
	})
}
