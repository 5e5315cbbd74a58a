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

type (
	// EventsOptions configures an event emitter.
	EventsOptions struct {
		// Bus is the messaging capability. Required.
		Bus bus.Bus
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Events publishes fire-and-forget notifications: browser events on
	// per-room channels and extraction progress on per-job channels.
	// Emission failures are logged, never propagated; events are advisory
	// and the state stream remains the source of truth.
	Events struct {
		bus bus.Bus
		log telemetry.Logger
	}
)

// NewEvents builds an event emitter.
func NewEvents(opts EventsOptions) (*Events, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Events{bus: opts.Bus, log: logger}, nil
}

// Publish emits one browser event on the room channel. The payload is
// marshaled as the event body.
func (e *Events) Publish(ctx context.Context, room, eventType, commandID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error(ctx, "marshal event payload", "err", err, "room", room, "event", eventType)
		return
	}
	ev := wire.Event{
		Type:      eventType,
		RoomName:  room,
		CommandID: commandID,
		AtMS:      time.Now().UnixMilli(),
		Payload:   body,
	}
	e.send(ctx, wire.EventChannel(room), eventType, ev)
}

// PublishError emits an action_error event carrying a taxonomy error.
func (e *Events) PublishError(ctx context.Context, room, commandID string, werr *wire.Error) {
	e.Publish(ctx, room, wire.EventActionError, commandID, werr)
}

// PublishProgress emits one progress update on a job channel.
func (e *Events) PublishProgress(ctx context.Context, jobID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error(ctx, "marshal progress payload", "err", err, "job_id", jobID)
		return
	}
	ev := wire.Event{
		Type:     "progress",
		RoomName: jobID,
		AtMS:     time.Now().UnixMilli(),
		Payload:  body,
	}
	e.send(ctx, wire.ProgressChannel(jobID), "progress", ev)
}

func (e *Events) send(ctx context.Context, channel, eventType string, ev wire.Event) {
	tracer := otel.Tracer("goa.design/pilot/command")
	ctx, span := tracer.Start(
		ctx,
		"command.publish_event",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", channel),
			attribute.String("messaging.operation", "publish"),
			attribute.String("pilot.event_type", eventType),
		),
	)
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal event")
		e.log.Error(ctx, "marshal event", "err", err, "channel", channel)
		return
	}
	if err := e.bus.Publish(ctx, channel, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish event")
		e.log.Warn(ctx, "event publish failed", "err", err, "channel", channel, "event", eventType)
		return
	}
	e.log.Debug(ctx, "event published", "channel", channel, "event", eventType)
}

// ProgressUpdate is the payload published on job progress channels.
type ProgressUpdate struct {
	JobID     string  `json:"job_id"`
	Phase     string  `json:"phase"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	UpdatedAt int64   `json:"updated_at_ms"`
}
