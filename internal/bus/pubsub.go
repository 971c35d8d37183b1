package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var subIDSeq atomic.Int64

// Subscribe registers handler to run for every Publish whose topic
// prefix-matches. Fan-out is at-most-once per subscriber. Publish invokes
// the matching handlers synchronously in the publisher's goroutine, so a
// slow handler delays the publisher and the handlers invoked after it;
// delivery order per (publisher, subscriber) pair is FIFO because each
// Publish call finishes dispatching before returning, and two Publishes
// from the same goroutine are naturally ordered by the Go memory model.
func (b *inProcessBus) Subscribe(topic string, handler func(Message)) func() {
	sub := &subscription{topic: topic, handler: handler, id: subIDSeq.Add(1)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish fans m out to every matching subscriber. Each handler invocation
// is wrapped in a recover so a panicking subscriber can't take down
// delivery to its siblings or the publisher's own goroutine.
func (b *inProcessBus) Publish(ctx context.Context, topic string, m Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var matched []*subscription
	for subTopic, list := range b.subs {
		if topicMatches(subTopic, topic) {
			matched = append(matched, list...)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		invokeHandler(sub.handler, m)
	}
	return nil
}

func invokeHandler(handler func(Message), m Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panicked", "recover", r, "message_type", m.MessageType)
		}
	}()
	handler(m)
}
