// Package command implements the sequenced side of a session: the consumer
// loop that reads a room's command stream through a shared consumer group,
// the exactly-once bookkeeping around it (sequence tracking and command ID
// dedup), and the publisher that mirrors results onto the state stream.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/pilot/bus"
	"goa.design/pilot/telemetry"
	"goa.design/pilot/wire"
)

// Defaults for consumer tuning knobs.
const (
	// DefaultBlockDuration bounds each blocking stream read.
	DefaultBlockDuration = 5 * time.Second
	// DefaultAckGracePeriod is how long an un-acked delivery stays
	// claimed before another group member may take it.
	DefaultAckGracePeriod = 60 * time.Second
	// DefaultProcessingRecheck is the brief pause before re-checking a
	// command marked processing by another consumer.
	DefaultProcessingRecheck = 100 * time.Millisecond
)

type (
	// Executor dispatches one validated envelope and returns the update
	// to publish. A nil update with a transient error leaves the
	// delivery un-acked for redelivery; any other error finishes the
	// command with an error event and no state update.
	Executor interface {
		ExecuteAction(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error)
	}

	// ConsumerOptions configures a per-session command consumer.
	ConsumerOptions struct {
		// Bus is the messaging capability. Required.
		Bus bus.Bus
		// Room is the session room. Required.
		Room string
		// Executor dispatches envelopes. Required.
		Executor Executor
		// Publisher appends resulting state updates. Required.
		Publisher *Publisher
		// Events emits protocol error events. Required.
		Events *Events
		// Dedup defaults to a per-session in-memory cache.
		Dedup DedupCache
		// Group defaults to wire.CommandGroup.
		Group string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// BlockDuration defaults to DefaultBlockDuration.
		BlockDuration time.Duration
		// AckGracePeriod defaults to DefaultAckGracePeriod.
		AckGracePeriod time.Duration
		// ProcessingRecheck defaults to DefaultProcessingRecheck.
		ProcessingRecheck time.Duration
	}

	// Consumer drives one session's command stream. Run blocks until the
	// context is canceled or the sink closes; commands are handled
	// strictly one at a time so state updates leave in sequence order.
	Consumer struct {
		bus     bus.Bus
		room    string
		exec    Executor
		pub     *Publisher
		events  *Events
		dedup   DedupCache
		seq     *SequenceTracker
		group   string
		log     telemetry.Logger
		metrics telemetry.Metrics

		blockDuration     time.Duration
		ackGracePeriod    time.Duration
		processingRecheck time.Duration

		// sleep is a test seam for the processing recheck pause.
		sleep func(context.Context, time.Duration)
	}
)

// NewConsumer validates options and builds a consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Room == "" {
		return nil, errors.New("room is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.Events == nil {
		return nil, errors.New("events emitter is required")
	}
	c := &Consumer{
		bus:               opts.Bus,
		room:              opts.Room,
		exec:              opts.Executor,
		pub:               opts.Publisher,
		events:            opts.Events,
		dedup:             opts.Dedup,
		seq:               NewSequenceTracker(),
		group:             opts.Group,
		log:               opts.Logger,
		metrics:           opts.Metrics,
		blockDuration:     opts.BlockDuration,
		ackGracePeriod:    opts.AckGracePeriod,
		processingRecheck: opts.ProcessingRecheck,
		sleep:             sleepCtx,
	}
	if c.dedup == nil {
		c.dedup = NewMemoryDedup(0)
	}
	if c.group == "" {
		c.group = wire.CommandGroup
	}
	if c.log == nil {
		c.log = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.blockDuration <= 0 {
		c.blockDuration = DefaultBlockDuration
	}
	if c.ackGracePeriod <= 0 {
		c.ackGracePeriod = DefaultAckGracePeriod
	}
	if c.processingRecheck <= 0 {
		c.processingRecheck = DefaultProcessingRecheck
	}
	return c, nil
}

// Sequence returns the consumer's sequence tracker. Session recovery uses
// it to restore the high-water mark before resuming consumption.
func (c *Consumer) Sequence() *SequenceTracker { return c.seq }

// Run consumes until ctx is canceled. It joins the consumer group on the
// room's command stream; each delivered message is handled to completion
// before the next read.
func (c *Consumer) Run(ctx context.Context) error {
	stream, err := c.bus.Stream(ctx, wire.CommandStream(c.room))
	if err != nil {
		return wire.Wrap(wire.CodeStreamUnavailable, err)
	}
	sink, err := stream.NewSink(ctx, c.group, bus.SinkOptions{
		BlockDuration:  c.blockDuration,
		AckGracePeriod: c.ackGracePeriod,
		StartAtOldest:  true,
	})
	if err != nil {
		return wire.Wrap(wire.CodeStreamUnavailable, err)
	}
	defer sink.Close(context.Background())

	c.log.Info(ctx, "command consumer started", "room", c.room, "group", c.group)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				c.log.Info(ctx, "command sink closed", "room", c.room)
				return nil
			}
			c.handle(ctx, sink, msg)
		}
	}
}

// handle walks one delivery through decode, dedup, sequence check,
// dispatch and publish. Only fully processed (or permanently rejected)
// deliveries are acked; everything else stays claimed until the grace
// period expires.
func (c *Consumer) handle(ctx context.Context, sink bus.Sink, msg bus.Message) {
	c.metrics.IncCounter("command.consumed", 1, "room", c.room)

	var env wire.ActionEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.reject(ctx, sink, msg, "", wire.Errorf(wire.CodeMalformedEnvelope, "undecodable envelope: %v", err))
		return
	}
	if err := env.Validate(); err != nil {
		werr, ok := wire.AsError(err)
		if !ok {
			werr = wire.Wrap(wire.CodeMalformedEnvelope, err)
		}
		c.reject(ctx, sink, msg, env.CommandID, werr)
		return
	}

	ctx = ExtractTraceContext(ctx, env.TraceContext)
	tracer := otel.Tracer("goa.design/pilot/command")
	ctx, span := tracer.Start(
		ctx,
		"command.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pulse"),
			attribute.String("messaging.destination.name", wire.CommandStream(c.room)),
			attribute.String("messaging.operation", "process"),
			attribute.String("pilot.command_id", env.CommandID),
			attribute.String("pilot.action_type", env.ActionType),
			attribute.Int64("pilot.sequence_number", int64(env.SequenceNumber)),
		),
	)
	defer span.End()

	// Dedup guards against broker redelivery of commands that already
	// ran. A processing mark means another attempt is mid-flight: wait
	// briefly, then either ack the finished result or leave the claim.
	status, found, err := c.dedup.Status(ctx, env.CommandID)
	if err != nil {
		c.log.Warn(ctx, "dedup lookup failed", "err", err, "command_id", env.CommandID)
	}
	if found {
		if status == DedupProcessing {
			c.sleep(ctx, c.processingRecheck)
			status, found, _ = c.dedup.Status(ctx, env.CommandID)
		}
		if found {
			if status == DedupProcessed {
				c.ack(ctx, sink, msg)
			}
			span.AddEvent("command.deduplicated", trace.WithAttributes(attribute.String("pilot.dedup_status", string(status))))
			c.metrics.IncCounter("command.duplicates", 1, "room", c.room)
			return
		}
	}

	verdict, expected := c.seq.Check(env.SequenceNumber)
	switch verdict {
	case VerdictDuplicate:
		// Older than the high-water mark: silently acknowledged.
		c.ack(ctx, sink, msg)
		span.AddEvent("command.duplicate_sequence")
		c.metrics.IncCounter("command.duplicates", 1, "room", c.room)
		return
	case VerdictGap:
		// Missing predecessors. Request retransmission and leave the
		// delivery claimed so it replays once the gap fills.
		werr := wire.Errorf(wire.CodeSequenceGap, "expected sequence %d, got %d", expected, env.SequenceNumber)
		c.events.PublishError(ctx, c.room, env.CommandID, werr)
		span.AddEvent("command.sequence_gap", trace.WithAttributes(
			attribute.Int64("pilot.expected_sequence", int64(expected)),
		))
		c.metrics.IncCounter("command.gaps", 1, "room", c.room)
		return
	}

	if err := c.dedup.MarkProcessing(ctx, env.CommandID); err != nil {
		c.log.Warn(ctx, "dedup mark processing failed", "err", err, "command_id", env.CommandID)
	}

	started := time.Now()
	update, err := c.exec.ExecuteAction(ctx, &env)
	c.metrics.RecordTimer("command.dispatch", time.Since(started), "room", c.room, "action", env.ActionType)
	if err != nil {
		if wire.Transient(err) {
			// Leave un-acked: the grace period hands the claim to
			// another consumer, and the cleared dedup mark lets it
			// execute.
			_ = c.dedup.Forget(ctx, env.CommandID)
			span.RecordError(err)
			span.SetStatus(codes.Error, "transient dispatch failure")
			c.metrics.IncCounter("command.transient_failures", 1, "room", c.room)
			c.log.Warn(ctx, "transient dispatch failure, leaving claim", "err", err, "command_id", env.CommandID)
			return
		}
		werr, ok := wire.AsError(err)
		if !ok {
			werr = wire.Wrap(wire.CodeDriverCrashed, err)
		}
		c.events.PublishError(ctx, c.room, env.CommandID, werr)
		c.ack(ctx, sink, msg)
		_ = c.dedup.MarkProcessed(ctx, env.CommandID)
		c.seq.Advance(env.SequenceNumber)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		c.metrics.IncCounter("command.dispatch_errors", 1, "room", c.room)
		return
	}

	update.CommandID = env.CommandID
	update.SequenceNumber = env.SequenceNumber
	if err := c.pub.Publish(ctx, update); err != nil {
		// Publish failures are stream trouble: clear the mark and let
		// redelivery retry the whole command.
		_ = c.dedup.Forget(ctx, env.CommandID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish state update")
		c.metrics.IncCounter("command.publish_failures", 1, "room", c.room)
		c.log.Error(ctx, "state publish failed, leaving claim", "err", err, "command_id", env.CommandID)
		return
	}
	c.ack(ctx, sink, msg)
	if err := c.dedup.MarkProcessed(ctx, env.CommandID); err != nil {
		c.log.Warn(ctx, "dedup mark processed failed", "err", err, "command_id", env.CommandID)
	}
	c.seq.Advance(env.SequenceNumber)
	c.metrics.IncCounter("command.processed", 1, "room", c.room, "action", env.ActionType)
}

// reject finishes an undecodable or invalid delivery: the error event tells
// the issuer, the ack stops redelivery of a message that can never succeed.
func (c *Consumer) reject(ctx context.Context, sink bus.Sink, msg bus.Message, commandID string, werr *wire.Error) {
	c.events.PublishError(ctx, c.room, commandID, werr)
	c.ack(ctx, sink, msg)
	c.metrics.IncCounter("command.rejected", 1, "room", c.room)
	c.log.Warn(ctx, "rejected command", "code", string(werr.Code), "reason", werr.Message, "command_id", commandID)
}

func (c *Consumer) ack(ctx context.Context, sink bus.Sink, msg bus.Message) {
	if err := sink.Ack(ctx, msg); err != nil {
		c.log.Warn(ctx, "ack failed", "err", err, "entry_id", msg.ID)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
