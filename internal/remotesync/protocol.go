// Package remotesync implements the host/client snapshot synchronization
// protocol: topic-based pub/sub envelopes over any ordered-per-topic duplex
// channel, with monotonic pubseq broadcasts, subseq-stamped client intents,
// publish-on-change host behavior, and optimistic client-side prediction.
package remotesync

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	TypePublish     = "pubsub:publish"
	TypeMessage     = "pubsub:message"
	TypeSubscribe   = "pubsub:subscribe"
	TypeUnsubscribe = "pubsub:unsubscribe"
)

const DefaultMaxFrame = 1 << 20 // 1 MiB

var (
	ErrInvalidEnvelope = errors.New("remotesync: invalid envelope")
	ErrFrameTooLarge   = errors.New("remotesync: frame too large")
	ErrLinkClosed      = errors.New("remotesync: link closed")
)

// Envelope is the wire unit. PubSeq is only meaningful on pubsub:message
// frames (host broadcasts); client intents carry their subseq inside the
// payload instead.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	PubSeq  uint64          `json:"pubseq,omitempty"`
	Retain  bool            `json:"retain,omitempty"`
}

func NewEnvelope(envType, topic string, payload any) (Envelope, error) {
	env := Envelope{Type: strings.TrimSpace(envType), Topic: strings.TrimSpace(topic)}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = body
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypePublish, TypeMessage, TypeSubscribe, TypeUnsubscribe:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if strings.TrimSpace(e.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidEnvelope)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// TopicKind distinguishes the three channels every engine id owns.
type TopicKind string

const (
	TopicSnapshot        TopicKind = "snapshot"
	TopicEvents          TopicKind = "events"
	TopicRequestSnapshot TopicKind = "request-snapshot"
)

func SnapshotTopic(engineID string) string {
	return "engine:" + engineID + ":snapshot"
}

func EventsTopic(engineID string) string {
	return "engine:" + engineID + ":events"
}

func RequestSnapshotTopic(engineID string) string {
	return "engine:" + engineID + ":request-snapshot"
}

func ParseTopic(topic string) (engineID string, kind TopicKind, ok bool) {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 || parts[0] != "engine" || parts[1] == "" {
		return "", "", false
	}
	switch TopicKind(parts[2]) {
	case TopicSnapshot, TopicEvents, TopicRequestSnapshot:
		return parts[1], TopicKind(parts[2]), true
	}
	return "", "", false
}

// SnapshotPayload is the broadcast body: an engine snapshot plus optional
// per-capability match flags.
type SnapshotPayload struct {
	State   json.RawMessage `json:"state"`
	Context json.RawMessage `json:"context"`
	Matches map[string]bool `json:"matches,omitempty"`
}

// Intent is a UI-originated command. Args are decoded per kind by the
// orchestrator; the sync layer never interprets them.
type Intent struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ClientEvent wraps an intent with the client's per-topic subseq, letting
// the host apply at-most-once or ordered replay policies without a
// response per message.
type ClientEvent struct {
	Event  Intent `json:"event"`
	SubSeq uint64 `json:"subseq"`
}

// WriteFrame writes a length-prefixed JSON envelope: 4-byte big-endian
// length, then the body.
func WriteFrame(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
