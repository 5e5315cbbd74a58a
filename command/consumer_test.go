package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pilot/bus"
	"goa.design/pilot/wire"
)

// orderLog records the relative order of side effects across the fakes so
// tests can assert publish-before-ack.
type orderLog struct {
	mu    sync.Mutex
	items []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	l.items = append(l.items, s)
	l.mu.Unlock()
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

type fakeEntry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu      sync.Mutex
	name    string
	entries []fakeEntry
	addErr  error
	sink    *fakeSink
	log     *orderLog
}

func (s *fakeStream) Name() string { return s.name }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	if s.log != nil {
		s.log.add("publish:" + s.name)
	}
	return fmt.Sprintf("%d-0", len(s.entries)), nil
}

func (s *fakeStream) NewSink(context.Context, string, bus.SinkOptions) (bus.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		s.sink = newFakeSink(s.log)
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) setAddErr(err error) {
	s.mu.Lock()
	s.addErr = err
	s.mu.Unlock()
}

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fakeStream) getSink() *fakeSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *fakeStream) stateUpdates(t *testing.T) []wire.StateUpdate {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := make([]wire.StateUpdate, len(s.entries))
	for i, e := range s.entries {
		require.NoError(t, json.Unmarshal(e.payload, &updates[i]))
	}
	return updates
}

type fakeSink struct {
	mu     sync.Mutex
	ch     chan bus.Message
	acked  []bus.Message
	closed bool
	log    *orderLog
}

func newFakeSink(log *orderLog) *fakeSink {
	return &fakeSink{ch: make(chan bus.Message, 16), log: log}
}

func (s *fakeSink) Subscribe() <-chan bus.Message { return s.ch }

func (s *fakeSink) Ack(_ context.Context, m bus.Message) error {
	s.mu.Lock()
	s.acked = append(s.acked, m)
	if s.log != nil {
		s.log.add("ack")
	}
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *fakeSink) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

type fakeBus struct {
	mu        sync.Mutex
	streams   map[string]*fakeStream
	published map[string][][]byte
	log       *orderLog
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		streams:   make(map[string]*fakeStream),
		published: make(map[string][][]byte),
		log:       &orderLog{},
	}
}

func (b *fakeBus) Stream(_ context.Context, name string) (bus.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &fakeStream{name: name, log: b.log}
		b.streams[name] = s
	}
	return s, nil
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.published[channel] = append(b.published[channel], payload)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (b *fakeBus) Close(context.Context) error { return nil }

func (b *fakeBus) events(t *testing.T, channel string) []wire.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := make([]wire.Event, len(b.published[channel]))
	for i, p := range b.published[channel] {
		require.NoError(t, json.Unmarshal(p, &evs[i]))
	}
	return evs
}

type scriptedExecutor struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error)
	calls []string
}

func (e *scriptedExecutor) ExecuteAction(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error) {
	e.mu.Lock()
	e.calls = append(e.calls, env.CommandID)
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, env)
	}
	return okUpdate(), nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *scriptedExecutor) script(fn func(ctx context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error)) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}

func okUpdate() *wire.StateUpdate {
	return &wire.StateUpdate{
		SessionID: "sess-1",
		Result:    wire.ActionResult{Success: true, DurationMS: 5},
		State:     wire.CurrentState{URL: "https://example.com", Title: "Example", ElementCount: 3},
	}
}

type harness struct {
	bus      *fakeBus
	consumer *Consumer
	exec     *scriptedExecutor
	sink     *fakeSink
	state    *fakeStream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	b := newFakeBus()
	exec := &scriptedExecutor{}
	pub, err := NewPublisher(ctx, PublisherOptions{Bus: b, Room: "room-1"})
	require.NoError(t, err)
	events, err := NewEvents(EventsOptions{Bus: b})
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{
		Bus:       b,
		Room:      "room-1",
		Executor:  exec,
		Publisher: pub,
		Events:    events,
	})
	require.NoError(t, err)
	state, err := b.Stream(ctx, wire.StateStream("room-1"))
	require.NoError(t, err)
	return &harness{
		bus:      b,
		consumer: c,
		exec:     exec,
		sink:     newFakeSink(b.log),
		state:    state.(*fakeStream),
	}
}

// deliver drives one message through the consumer synchronously.
func (h *harness) deliver(payload []byte) {
	h.consumer.handle(context.Background(), h.sink, bus.NewMessage("1-0", "action", payload, nil))
}

func (h *harness) errorEvents(t *testing.T) []wire.Event {
	t.Helper()
	return h.bus.events(t, wire.EventChannel("room-1"))
}

func envPayload(t *testing.T, commandID string, seq uint64) []byte {
	t.Helper()
	b, err := json.Marshal(wire.ActionEnvelope{
		Version:        wire.ProtocolVersion,
		CommandID:      commandID,
		RoomName:       "room-1",
		SequenceNumber: seq,
		ActionType:     "navigate",
		Params:         json.RawMessage(`{"url":"https://example.com/login"}`),
	})
	require.NoError(t, err)
	return b
}

func decodeWireError(t *testing.T, ev wire.Event) *wire.Error {
	t.Helper()
	var werr wire.Error
	require.NoError(t, json.Unmarshal(ev.Payload, &werr))
	return &werr
}

func TestNewConsumerValidatesOptions(t *testing.T) {
	b := newFakeBus()
	exec := &scriptedExecutor{}
	pub, err := NewPublisher(context.Background(), PublisherOptions{Bus: b, Room: "room-1"})
	require.NoError(t, err)
	events, err := NewEvents(EventsOptions{Bus: b})
	require.NoError(t, err)

	cases := []struct {
		name string
		opts ConsumerOptions
		want string
	}{
		{"missing bus", ConsumerOptions{Room: "r", Executor: exec, Publisher: pub, Events: events}, "bus is required"},
		{"missing room", ConsumerOptions{Bus: b, Executor: exec, Publisher: pub, Events: events}, "room is required"},
		{"missing executor", ConsumerOptions{Bus: b, Room: "r", Publisher: pub, Events: events}, "executor is required"},
		{"missing publisher", ConsumerOptions{Bus: b, Room: "r", Executor: exec, Events: events}, "publisher is required"},
		{"missing events", ConsumerOptions{Bus: b, Room: "r", Executor: exec, Publisher: pub}, "events emitter is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConsumer(tc.opts)
			require.EqualError(t, err, tc.want)
		})
	}

	c, err := NewConsumer(ConsumerOptions{Bus: b, Room: "r", Executor: exec, Publisher: pub, Events: events})
	require.NoError(t, err)
	assert.Equal(t, wire.CommandGroup, c.group)
	assert.Equal(t, DefaultBlockDuration, c.blockDuration)
	assert.Equal(t, DefaultAckGracePeriod, c.ackGracePeriod)
	assert.Equal(t, DefaultProcessingRecheck, c.processingRecheck)
}

func TestConsumerProcessesCommand(t *testing.T) {
	h := newHarness(t)

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.exec.callCount())
	assert.Equal(t, 1, h.sink.ackCount())
	assert.Equal(t, uint64(1), h.consumer.Sequence().Last())

	updates := h.state.stateUpdates(t)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, wire.ProtocolVersion, u.Version)
	assert.NotEmpty(t, u.UpdateID)
	assert.Equal(t, "room-1", u.RoomName)
	assert.Equal(t, "cmd-1", u.CommandID)
	assert.Equal(t, uint64(1), u.SequenceNumber)
	assert.True(t, u.Result.Success)
	assert.NotZero(t, u.EmittedAtMS)

	status, found, err := h.consumer.dedup.Status(context.Background(), "cmd-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, DedupProcessed, status)
}

func TestConsumerPublishesBeforeAck(t *testing.T) {
	h := newHarness(t)

	h.deliver(envPayload(t, "cmd-1", 1))

	want := []string{"publish:" + wire.StateStream("room-1"), "ack"}
	assert.Equal(t, want, h.bus.log.snapshot())
}

func TestConsumerRejectsUndecodablePayload(t *testing.T) {
	h := newHarness(t)

	h.deliver([]byte("{not json"))

	assert.Zero(t, h.exec.callCount())
	assert.Equal(t, 1, h.sink.ackCount(), "poison messages must be acked")
	assert.Zero(t, h.state.count())

	evs := h.errorEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, wire.EventActionError, evs[0].Type)
	assert.Equal(t, wire.CodeMalformedEnvelope, decodeWireError(t, evs[0]).Code)
}

func TestConsumerRejectsInvalidEnvelope(t *testing.T) {
	h := newHarness(t)
	payload, err := json.Marshal(wire.ActionEnvelope{
		Version:        wire.ProtocolVersion,
		CommandID:      "cmd-1",
		RoomName:       "room-1",
		SequenceNumber: 1,
		// action_type missing
	})
	require.NoError(t, err)

	h.deliver(payload)

	assert.Zero(t, h.exec.callCount())
	assert.Equal(t, 1, h.sink.ackCount())

	evs := h.errorEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "cmd-1", evs[0].CommandID)
	werr := decodeWireError(t, evs[0])
	assert.Equal(t, wire.CodeMalformedEnvelope, werr.Code)
	assert.Contains(t, werr.Message, "action_type")
}

func TestConsumerAcksDuplicateSequenceSilently(t *testing.T) {
	h := newHarness(t)
	h.deliver(envPayload(t, "cmd-1", 1))
	require.Equal(t, 1, h.state.count())

	// Same sequence under a fresh command ID: already processed, so it is
	// acknowledged without dispatch and without an error event.
	h.deliver(envPayload(t, "cmd-1-retry", 1))

	assert.Equal(t, 1, h.exec.callCount())
	assert.Equal(t, 2, h.sink.ackCount())
	assert.Equal(t, 1, h.state.count())
	assert.Empty(t, h.errorEvents(t))
}

func TestConsumerReportsSequenceGap(t *testing.T) {
	h := newHarness(t)

	h.deliver(envPayload(t, "cmd-3", 3))

	assert.Zero(t, h.exec.callCount())
	assert.Zero(t, h.sink.ackCount(), "gapped commands stay claimed for replay")
	assert.Zero(t, h.state.count())
	assert.Equal(t, uint64(0), h.consumer.Sequence().Last())

	evs := h.errorEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "cmd-3", evs[0].CommandID)
	werr := decodeWireError(t, evs[0])
	assert.Equal(t, wire.CodeSequenceGap, werr.Code)
	assert.Contains(t, werr.Message, "expected sequence 1")
}

func TestConsumerGapFollowedByFill(t *testing.T) {
	h := newHarness(t)

	h.deliver(envPayload(t, "cmd-2", 2))
	require.Zero(t, h.sink.ackCount())

	// Retransmission fills the gap, then the held command replays.
	h.deliver(envPayload(t, "cmd-1", 1))
	h.deliver(envPayload(t, "cmd-2", 2))

	assert.Equal(t, 2, h.exec.callCount())
	assert.Equal(t, uint64(2), h.consumer.Sequence().Last())
	updates := h.state.stateUpdates(t)
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(1), updates[0].SequenceNumber)
	assert.Equal(t, uint64(2), updates[1].SequenceNumber)
}

func TestConsumerDedupsProcessedCommand(t *testing.T) {
	h := newHarness(t)
	h.deliver(envPayload(t, "cmd-1", 1))

	// Broker redelivery of the identical entry: acked, never re-executed.
	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.exec.callCount())
	assert.Equal(t, 2, h.sink.ackCount())
	assert.Equal(t, 1, h.state.count())
}

func TestConsumerWaitsOutProcessingMark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.consumer.dedup.MarkProcessing(ctx, "cmd-1"))

	// The other attempt finishes while this consumer waits.
	h.consumer.sleep = func(context.Context, time.Duration) {
		require.NoError(t, h.consumer.dedup.MarkProcessed(ctx, "cmd-1"))
	}

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Zero(t, h.exec.callCount())
	assert.Equal(t, 1, h.sink.ackCount())
}

func TestConsumerLeavesStillProcessingUnacked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.consumer.dedup.MarkProcessing(context.Background(), "cmd-1"))
	h.consumer.sleep = func(context.Context, time.Duration) {}

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Zero(t, h.exec.callCount())
	assert.Zero(t, h.sink.ackCount(), "in-flight commands stay claimed")
}

func TestConsumerTransientFailureLeavesClaim(t *testing.T) {
	h := newHarness(t)
	h.exec.script(func(context.Context, *wire.ActionEnvelope) (*wire.StateUpdate, error) {
		return nil, wire.Errorf(wire.CodeDriverUnavailable, "driver busy")
	})

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Zero(t, h.sink.ackCount())
	assert.Zero(t, h.state.count())
	assert.Equal(t, uint64(0), h.consumer.Sequence().Last())
	_, found, err := h.consumer.dedup.Status(context.Background(), "cmd-1")
	require.NoError(t, err)
	assert.False(t, found, "dedup mark must be cleared so the retry executes")

	// Redelivery after the driver recovered processes normally.
	h.exec.script(nil)
	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.sink.ackCount())
	assert.Equal(t, 1, h.state.count())
	assert.Equal(t, uint64(1), h.consumer.Sequence().Last())
}

func TestConsumerFatalFailurePublishesErrorEvent(t *testing.T) {
	h := newHarness(t)
	h.exec.script(func(context.Context, *wire.ActionEnvelope) (*wire.StateUpdate, error) {
		return nil, wire.Errorf(wire.CodeDriverCrashed, "browser process exited")
	})

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.sink.ackCount())
	assert.Zero(t, h.state.count())
	assert.Equal(t, uint64(1), h.consumer.Sequence().Last(), "a fatally failed command still consumes its number")

	evs := h.errorEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, wire.CodeDriverCrashed, decodeWireError(t, evs[0]).Code)

	status, found, err := h.consumer.dedup.Status(context.Background(), "cmd-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, DedupProcessed, status)
}

func TestConsumerFailedActionFlowsThroughStateStream(t *testing.T) {
	h := newHarness(t)
	h.exec.script(func(_ context.Context, env *wire.ActionEnvelope) (*wire.StateUpdate, error) {
		u := okUpdate()
		u.Result = wire.ActionResult{
			Success:    false,
			Error:      wire.Errorf(wire.CodeNavigationFailed, "dns lookup failed"),
			DurationMS: 12,
		}
		return u, nil
	})

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.sink.ackCount())
	updates := h.state.stateUpdates(t)
	require.Len(t, updates, 1)
	assert.False(t, updates[0].Result.Success)
	require.NotNil(t, updates[0].Result.Error)
	assert.Equal(t, wire.CodeNavigationFailed, updates[0].Result.Error.Code)
}

func TestConsumerPublishFailureLeavesClaim(t *testing.T) {
	h := newHarness(t)
	h.state.setAddErr(errors.New("connection refused"))

	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.exec.callCount())
	assert.Zero(t, h.sink.ackCount())
	assert.Equal(t, uint64(0), h.consumer.Sequence().Last())
	_, found, err := h.consumer.dedup.Status(context.Background(), "cmd-1")
	require.NoError(t, err)
	assert.False(t, found)

	h.state.setAddErr(nil)
	h.deliver(envPayload(t, "cmd-1", 1))

	assert.Equal(t, 1, h.sink.ackCount())
	assert.Equal(t, 1, h.state.count())
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newFakeBus()
	exec := &scriptedExecutor{}
	pub, err := NewPublisher(ctx, PublisherOptions{Bus: b, Room: "room-1"})
	require.NoError(t, err)
	events, err := NewEvents(EventsOptions{Bus: b})
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{
		Bus: b, Room: "room-1", Executor: exec, Publisher: pub, Events: events,
	})
	require.NoError(t, err)

	cmdStream, err := b.Stream(ctx, wire.CommandStream("room-1"))
	require.NoError(t, err)
	cmds := cmdStream.(*fakeStream)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return cmds.getSink() != nil }, time.Second, 10*time.Millisecond)
	sink := cmds.getSink()
	sink.ch <- bus.NewMessage("1-0", "action", envPayload(t, "cmd-1", 1), nil)
	sink.ch <- bus.NewMessage("2-0", "action", envPayload(t, "cmd-2", 2), nil)

	state, err := b.Stream(ctx, wire.StateStream("room-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return state.(*fakeStream).count() == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on cancellation")
	}
	assert.Equal(t, uint64(2), c.Sequence().Last())
}

func TestConsumerRunStopsWhenSinkCloses(t *testing.T) {
	ctx := context.Background()
	b := newFakeBus()
	exec := &scriptedExecutor{}
	pub, err := NewPublisher(ctx, PublisherOptions{Bus: b, Room: "room-1"})
	require.NoError(t, err)
	events, err := NewEvents(EventsOptions{Bus: b})
	require.NoError(t, err)
	c, err := NewConsumer(ConsumerOptions{
		Bus: b, Room: "room-1", Executor: exec, Publisher: pub, Events: events,
	})
	require.NoError(t, err)

	cmdStream, err := b.Stream(ctx, wire.CommandStream("room-1"))
	require.NoError(t, err)
	cmds := cmdStream.(*fakeStream)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return cmds.getSink() != nil }, time.Second, 10*time.Millisecond)
	cmds.getSink().Close(ctx)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop when the sink closed")
	}
}
