package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/pilot/bus"
	"goa.design/pilot/telemetry"
	"goa.design/pilot/wire"
)

// StateUpdateEvent is the stream event name carried by state entries.
const StateUpdateEvent = "state_update"

type (
	// PublisherOptions configures a state update publisher.
	PublisherOptions struct {
		// Bus is the messaging capability. Required.
		Bus bus.Bus
		// Room is the session room. Required.
		Room string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Publisher appends StateUpdates to a room's state stream. Appends
	// are synchronous: a command is acknowledged only after its update
	// is durably in the log.
	Publisher struct {
		stream bus.Stream
		room   string
		log    telemetry.Logger
	}
)

// NewPublisher builds a publisher bound to the room's state stream.
func NewPublisher(ctx context.Context, opts PublisherOptions) (*Publisher, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Room == "" {
		return nil, errors.New("room is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := opts.Bus.Stream(ctx, wire.StateStream(opts.Room))
	if err != nil {
		return nil, fmt.Errorf("open state stream: %w", err)
	}
	return &Publisher{stream: stream, room: opts.Room, log: logger}, nil
}

// Publish appends one update. Missing envelope bookkeeping (version, update
// ID, emission time) is filled in; command_id and sequence_number must
// already mirror the envelope that produced the update.
func (p *Publisher) Publish(ctx context.Context, u *wire.StateUpdate) error {
	if u == nil {
		return errors.New("state update is required")
	}
	if u.Version == "" {
		u.Version = wire.ProtocolVersion
	}
	if u.UpdateID == "" {
		u.UpdateID = uuid.NewString()
	}
	if u.RoomName == "" {
		u.RoomName = p.room
	}
	if u.EmittedAtMS == 0 {
		u.EmittedAtMS = time.Now().UnixMilli()
	}

	tracer := otel.Tracer("goa.design/pilot/command")
	ctx, span := tracer.Start(
		ctx,
		"command.publish_state",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pulse"),
			attribute.String("messaging.destination.name", p.stream.Name()),
			attribute.String("messaging.operation", "publish"),
			attribute.String("pilot.room", p.room),
			attribute.String("pilot.command_id", u.CommandID),
			attribute.Int64("pilot.sequence_number", int64(u.SequenceNumber)),
		),
	)
	defer span.End()

	payload, err := json.Marshal(u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal state update")
		return fmt.Errorf("marshal state update: %w", err)
	}
	id, err := p.stream.Add(ctx, StateUpdateEvent, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append state update")
		return wire.Wrap(wire.CodeStreamUnavailable, fmt.Errorf("append state update: %w", err))
	}
	span.AddEvent("command.state_published", trace.WithAttributes(attribute.String("pilot.entry_id", id)))
	p.log.Debug(ctx, "state update published",
		"room", p.room, "command_id", u.CommandID, "seq", u.SequenceNumber, "entry_id", id)
	return nil
}
