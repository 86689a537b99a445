package core

import (
	"context"
	"sync"
)

// EventType identifies one kind of streamed chat event. The set is closed:
// the relay dispatches on it exhaustively, so adding a type is a
// compile-time-visible change.
type EventType string

const (
	EventConversationCreated EventType = "ConversationCreated"
	EventThinkingStep        EventType = "ThinkingStep"
	EventStreamStarted       EventType = "StreamStarted"
	EventContentChunk        EventType = "ContentChunk"
	EventSourceCitation      EventType = "SourceCitation"
	EventStreamComplete      EventType = "StreamComplete"
	EventError               EventType = "Error"
)

// ChatEvent is one unit of the streaming protocol. Payload encoding depends
// on the type: ConversationCreated and StreamComplete carry a stringified
// integer id, everything else carries free text.
type ChatEvent struct {
	Type    EventType
	Payload string
}

// EventChannel is a FIFO stream of chat events between a single producer
// (the orchestrator) and a single consumer (the connection relay). The
// producer closes it exactly once after the terminal event; the consumer
// sees a clean end-of-stream after the buffer drains.
type EventChannel struct {
	ch        chan ChatEvent
	closeOnce sync.Once
}

// NewEventChannel returns a channel with the given buffer capacity. A
// capacity of 0 makes every send rendezvous with the consumer; a positive
// capacity gives the producer that much slack before backpressure applies.
func NewEventChannel(capacity int) *EventChannel {
	if capacity < 0 {
		capacity = 0
	}
	return &EventChannel{ch: make(chan ChatEvent, capacity)}
}

// Send delivers ev to the consumer, blocking while the buffer is full. It
// returns false when ctx is done before the event could be accepted, so a
// stalled or vanished consumer never strands the producer.
func (c *EventChannel) Send(ctx context.Context, ev ChatEvent) bool {
	// Cancellation wins over a ready consumer so nothing is produced for a
	// connection that is already gone.
	if ctx.Err() != nil {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Recv blocks until an event is available, the channel is closed and
// drained, or ctx is done. ok is false only at end-of-stream or
// cancellation.
func (c *EventChannel) Recv(ctx context.Context) (ev ChatEvent, ok bool) {
	// Cancellation wins over buffered events: a disconnected consumer must
	// not be handed more of the stream.
	if ctx.Err() != nil {
		return ChatEvent{}, false
	}
	select {
	case ev, ok = <-c.ch:
		return ev, ok
	case <-ctx.Done():
		return ChatEvent{}, false
	}
}

// TryRecv takes the next buffered event without waiting. ok is false when
// nothing is pending or the stream has ended; callers fall back to Recv.
func (c *EventChannel) TryRecv() (ev ChatEvent, ok bool) {
	select {
	case ev, ok = <-c.ch:
		return ev, ok
	default:
		return ChatEvent{}, false
	}
}

// Close ends the stream. Buffered events remain readable; a second Close is
// a no-op so deferred cleanup can race a terminal-event path safely.
func (c *EventChannel) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}
