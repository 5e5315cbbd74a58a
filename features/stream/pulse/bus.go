// Package pulse implements the messaging bus over Redis: Pulse streams carry
// the ordered command and state logs with competing-consumer groups, and raw
// Redis pub/sub carries the fire-and-forget event channels. One Bus serves
// both so a deployment runs a single broker.
package pulse

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"goa.design/pilot/bus"
	clientspulse "goa.design/pilot/features/stream/pulse/clients/pulse"
	"goa.design/pilot/telemetry"
)

// subscribeBuffer is the delivery buffer of a pub/sub subscription. Slow
// subscribers lose messages beyond it; event channels are advisory.
const subscribeBuffer = 64

type (
	// Options configures the bus.
	Options struct {
		// Redis is the broker connection, used for pub/sub and, when
		// Client is nil, to build the stream client. Required.
		Redis *redis.Client
		// Client overrides the stream client. Tests inject fakes here.
		Client clientspulse.Client
		// MaxLen bounds entries kept per stream. Zero applies the
		// client default.
		MaxLen int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Bus implements bus.Bus over Pulse streams and Redis pub/sub.
	Bus struct {
		client clientspulse.Client
		rdb    *redis.Client
		log    telemetry.Logger

		mu      sync.Mutex
		streams map[string]*stream
		closed  bool
	}
)

var _ bus.Bus = (*Bus)(nil)

// New builds a bus over the provided Redis connection.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	client := opts.Client
	if client == nil {
		var err error
		client, err = clientspulse.New(clientspulse.Options{
			Redis:  opts.Redis,
			MaxLen: opts.MaxLen,
		})
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		client:  client,
		rdb:     opts.Redis,
		log:     logger,
		streams: make(map[string]*stream),
	}, nil
}

// Stream returns a handle on the named stream. Handles are cached so every
// caller in the process shares one broker handle per stream.
func (b *Bus) Stream(_ context.Context, name string) (bus.Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus is closed")
	}
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	h, err := b.client.Stream(name)
	if err != nil {
		return nil, err
	}
	s := &stream{name: name, handle: h, owner: b}
	b.streams[name] = s
	return s, nil
}

// Publish sends one payload to a pub/sub channel. Subscribers that are not
// connected miss it.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("channel is required")
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe joins a pub/sub channel. The first receive confirms the
// subscription with the broker so a successful return means deliveries have
// started.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	if channel == "" {
		return nil, nil, errors.New("channel is required")
	}
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				b.log.Warn(context.Background(), "pubsub close failed", "err", err, "channel", channel)
			}
		})
	}
	return out, stop, nil
}

// Close releases the stream client. The Redis connection belongs to the
// caller and stays open.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.streams = nil
	b.mu.Unlock()
	return b.client.Close(ctx)
}

func (b *Bus) forget(name string) {
	b.mu.Lock()
	if b.streams != nil {
		delete(b.streams, name)
	}
	b.mu.Unlock()
}

// stream adapts a Pulse stream handle to bus.Stream.
type stream struct {
	name   string
	handle clientspulse.Stream
	owner  *Bus
}

func (s *stream) Name() string { return s.name }

func (s *stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.handle.Add(ctx, event, payload)
}

func (s *stream) NewSink(ctx context.Context, group string, opts bus.SinkOptions) (bus.Sink, error) {
	ps, err := s.handle.NewSink(ctx, group, clientspulse.SinkConfig{
		BlockDuration:  opts.BlockDuration,
		AckGracePeriod: opts.AckGracePeriod,
		StartAtOldest:  opts.StartAtOldest,
	})
	if err != nil {
		return nil, err
	}
	return newSink(ps), nil
}

func (s *stream) Destroy(ctx context.Context) error {
	s.owner.forget(s.name)
	return s.handle.Destroy(ctx)
}

// sink converts Pulse deliveries into bus messages. The conversion goroutine
// exits when the underlying sink channel closes, which also closes the
// outward channel so consumers observe shutdown.
type sink struct {
	pulse clientspulse.Sink
	out   chan bus.Message
}

func newSink(ps clientspulse.Sink) *sink {
	s := &sink{pulse: ps, out: make(chan bus.Message)}
	go func() {
		defer close(s.out)
		for ev := range ps.Subscribe() {
			s.out <- bus.NewMessage(ev.ID, ev.EventName, ev.Payload, ev)
		}
	}()
	return s
}

func (s *sink) Subscribe() <-chan bus.Message { return s.out }

func (s *sink) Ack(ctx context.Context, m bus.Message) error {
	ev, ok := m.Origin().(*streaming.Event)
	if !ok {
		return errors.New("message origin is not a pulse event")
	}
	return s.pulse.Ack(ctx, ev)
}

func (s *sink) Close(ctx context.Context) {
	s.pulse.Close(ctx)
}
