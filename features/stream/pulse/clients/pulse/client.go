// Package pulse wraps goa.design/pulse streaming behind a narrow interface so
// the stream bus can be exercised in tests without Redis. Callers build a
// Redis client, pass it to New, and receive typed stream handles capped at
// the room-stream retention length.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// DefaultMaxLen bounds the number of entries kept per room stream. Older
// entries are evicted by the broker as new ones arrive.
const DefaultMaxLen = 10000

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing every stream. Required.
		Redis *redis.Client
		// MaxLen bounds entries kept per stream. Zero applies
		// DefaultMaxLen; negative disables the cap.
		MaxLen int
		// OperationTimeout bounds individual Add operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
	}

	// SinkConfig tunes a consumer-group sink created on a stream.
	SinkConfig struct {
		// BlockDuration bounds each blocking read. Zero keeps the Pulse
		// default.
		BlockDuration time.Duration
		// AckGracePeriod is how long an unacked delivery stays claimed
		// before redelivery. Zero keeps the Pulse default.
		AckGracePeriod time.Duration
		// StartAtOldest replays the stream from its first entry.
		StartAtOldest bool
	}

	// Client hands out stream handles, creating broker state lazily.
	Client interface {
		// Stream returns a handle on the named stream.
		Stream(name string) (Stream, error)
		// Close releases client resources. The caller owns the Redis
		// connection.
		Close(ctx context.Context) error
	}

	// Stream is one append-only Redis stream.
	Stream interface {
		// Add appends an event and returns the broker-assigned ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins the named consumer group, creating it on first
		// join.
		NewSink(ctx context.Context, name string, cfg SinkConfig) (Sink, error)
		// Destroy deletes the stream and its groups.
		Destroy(ctx context.Context) error
	}

	// Sink is one consumer-group member.
	Sink interface {
		// Subscribe returns the delivery channel. It closes when the
		// sink is closed.
		Subscribe() <-chan *streaming.Event
		// Ack removes a delivery from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops delivery and leaves the group.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.MaxLen
	if maxLen == 0 {
		maxLen = DefaultMaxLen
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  maxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies the optional Add timeout.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, cfg SinkConfig) (Sink, error) {
	if name == "" {
		return nil, errors.New("sink name is required")
	}
	var opts []streamopts.Sink
	if cfg.BlockDuration > 0 {
		opts = append(opts, streamopts.WithSinkBlockDuration(cfg.BlockDuration))
	}
	if cfg.AckGracePeriod > 0 {
		opts = append(opts, streamopts.WithSinkAckGracePeriod(cfg.AckGracePeriod))
	}
	if cfg.StartAtOldest {
		opts = append(opts, streamopts.WithSinkStartAtOldest())
	}
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink: %w", err)
	}
	return sinkAdapter{sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows *streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
