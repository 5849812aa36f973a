// Package bus is the in-process publish/subscribe hub engines use to react
// to each other's transitions without direct references. Delivery is
// synchronous and fan-out; the bus belongs to the orchestrator goroutine and
// does no locking of its own. Reentrant emits from inside a handler are
// allowed and processed depth-first.
package bus

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Well-known message types. Engines observe these rather than calling each
// other.
const (
	TypeAuthSuccess     = "auth:success"
	TypeAuthFailed      = "auth:failed"
	TypeAuthExpired     = "auth:expired"
	TypeConnectionState = "connection:state"
	TypeTimerState      = "timer:state"
	TypeWorkItemsLoaded = "workitems:loaded"
)

type Message struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Engine       string    `json:"engine,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

type Handler func(Message)

type EmitOption func(*Message)

func WithConnection(id string) EmitOption {
	return func(m *Message) { m.ConnectionID = id }
}

func WithEngine(name string) EmitOption {
	return func(m *Message) { m.Engine = name }
}

type subscriber struct {
	seq     int
	msgType string // empty means all types
	handler Handler
	gone    bool
}

type Bus struct {
	nextSeq      int
	subs         []*subscriber
	history      []Message
	historyLimit int
	log          *slog.Logger
}

func New(historyLimit int) *Bus {
	if historyLimit <= 0 {
		historyLimit = 256
	}
	return &Bus{historyLimit: historyLimit, log: slog.Default()}
}

// Subscribe registers a handler for one message type and returns its
// unsubscribe func. Unsubscribing during an emit is safe; the current
// delivery pass still sees the snapshot it started with.
func (b *Bus) Subscribe(msgType string, h Handler) func() {
	return b.add(msgType, h)
}

// SubscribeAll registers a handler for every message type.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(msgType string, h Handler) func() {
	sub := &subscriber{seq: b.nextSeq, msgType: msgType, handler: h}
	b.nextSeq++
	b.subs = append(b.subs, sub)
	return func() {
		sub.gone = true
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the message to every matching subscriber in subscription
// order. A panicking handler is isolated so the remaining subscribers still
// receive the message.
func (b *Bus) Emit(msgType string, payload any, opts ...EmitOption) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	b.record(msg)

	// Snapshot the subscriber list so handlers can subscribe/unsubscribe
	// mid-delivery without affecting this pass.
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.msgType == "" || sub.msgType == msgType {
			matched = append(matched, sub)
		}
	}
	for _, sub := range matched {
		if sub.gone {
			continue
		}
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus handler panicked",
				"type", msg.Type,
				"connection_id", msg.ConnectionID,
				"panic", r,
			)
		}
	}()
	sub.handler(msg)
}

func (b *Bus) record(msg Message) {
	b.history = append(b.history, msg)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
}

// History returns up to limit recent messages, oldest first. limit <= 0
// returns everything retained.
func (b *Bus) History(limit int) []Message {
	msgs := b.history
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func (b *Bus) HistoryByConnection(connectionID string) []Message {
	var out []Message
	for _, msg := range b.history {
		if msg.ConnectionID == connectionID {
			out = append(out, msg)
		}
	}
	return out
}

func (b *Bus) HistoryByEngine(engineName string) []Message {
	var out []Message
	for _, msg := range b.history {
		if msg.Engine == engineName {
			out = append(out, msg)
		}
	}
	return out
}
