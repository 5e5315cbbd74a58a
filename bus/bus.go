// Package bus declares the messaging capability: append-only streams with
// competing-consumer groups for commands and state, plus fire-and-forget
// pub/sub channels for event fan-out. The production implementation wraps
// Pulse streaming over Redis and lives under features/stream.
package bus

import (
	"context"
	"time"
)

type (
	// Message is one entry read from a stream sink. ID is broker-assigned
	// and strictly increasing within the stream.
	Message struct {
		ID      string
		Event   string
		Payload []byte

		// origin is the broker-specific handle needed to acknowledge
		// the message. Implementations set it when delivering.
		origin any
	}

	// SinkOptions tunes a consumer-group sink.
	SinkOptions struct {
		// BlockDuration bounds each blocking read so the consume loop
		// can observe ctx cancellation. Zero picks the implementation
		// default.
		BlockDuration time.Duration
		// AckGracePeriod is how long a delivered, un-acked message stays
		// claimed before the broker redelivers it to another group
		// member. Zero picks the implementation default.
		AckGracePeriod time.Duration
		// StartAtOldest replays the stream from its first entry instead
		// of from now.
		StartAtOldest bool
	}

	// Sink is one member of a consumer group. Each message of the stream
	// is delivered to exactly one member; a member that neither acks nor
	// survives its grace period loses the claim.
	Sink interface {
		// Subscribe returns the delivery channel. The channel closes
		// when the sink is closed.
		Subscribe() <-chan Message
		// Ack marks a delivered message as processed.
		Ack(ctx context.Context, m Message) error
		// Close stops delivery and leaves the group.
		Close(ctx context.Context)
	}

	// Stream is one append-only log.
	Stream interface {
		// Name returns the stream name.
		Name() string
		// Add appends an entry and returns its broker ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins the named consumer group, creating it on first
		// join.
		NewSink(ctx context.Context, group string, opts SinkOptions) (Sink, error)
		// Destroy deletes the stream and its groups.
		Destroy(ctx context.Context) error
	}

	// Bus is the messaging capability handle.
	Bus interface {
		// Stream returns a handle on the named stream, creating broker
		// state lazily on first use.
		Stream(ctx context.Context, name string) (Stream, error)
		// Publish sends a fire-and-forget payload to a pub/sub channel.
		// Subscribers that are not connected miss it.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe joins a pub/sub channel. The returned stop function
		// closes the channel and releases the subscription.
		Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
		// Close releases broker resources.
		Close(ctx context.Context) error
	}
)

// NewMessage builds a delivered message carrying the broker handle needed
// for acknowledgment. Only Bus implementations call it.
func NewMessage(id, event string, payload []byte, origin any) Message {
	return Message{ID: id, Event: event, Payload: payload, origin: origin}
}

// Origin returns the broker-specific handle attached at delivery.
func (m Message) Origin() any { return m.origin }
