package remotesync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// SnapshotSource computes the current snapshot for an engine id on demand,
// used to answer request-snapshot and first-subscription reads.
type SnapshotSource func(engineID string) (SnapshotPayload, bool)

// IntentHandler receives decoded client intents. subseq is diagnostic
// ordering only; the host processes intents as delivered and relies on
// engine transitions being replay-safe.
type IntentHandler func(engineID string, intent Intent, subseq uint64)

type hostLink struct {
	link   Link
	topics map[string]bool
}

// Host is the publisher side: it tracks per-topic pubseq counters and the
// last published serialization, broadcasting only when a snapshot actually
// changed. Deltas are never replayed; snapshots are the only authority.
type Host struct {
	mu       sync.Mutex
	links    map[Link]*hostLink
	pubseq   map[string]uint64
	lastBody map[string]string
	source   SnapshotSource
	onIntent IntentHandler
	log      *slog.Logger
}

func NewHost(source SnapshotSource, onIntent IntentHandler) *Host {
	return &Host{
		links:    make(map[Link]*hostLink),
		pubseq:   make(map[string]uint64),
		lastBody: make(map[string]string),
		source:   source,
		onIntent: onIntent,
		log:      slog.Default(),
	}
}

// Attach registers a link and wires its receive path into the host.
func (h *Host) Attach(link Link) {
	h.mu.Lock()
	h.links[link] = &hostLink{link: link, topics: make(map[string]bool)}
	h.mu.Unlock()
	link.OnReceive(func(env Envelope) {
		h.Handle(link, env)
	})
}

func (h *Host) Detach(link Link) {
	h.mu.Lock()
	delete(h.links, link)
	h.mu.Unlock()
}

// Handle processes one envelope from a client. Malformed input is logged
// and dropped, never returned as an error to the transport: the sender will
// re-broadcast current truth eventually.
func (h *Host) Handle(link Link, env Envelope) {
	if err := env.Validate(); err != nil {
		h.log.Debug("discarding malformed envelope", "error", err)
		return
	}
	switch env.Type {
	case TypeSubscribe:
		h.subscribe(link, env.Topic)
	case TypeUnsubscribe:
		h.unsubscribe(link, env.Topic)
	case TypePublish:
		h.clientPublish(link, env)
	default:
		h.log.Debug("discarding unexpected envelope", "type", env.Type, "topic", env.Topic)
	}
}

func (h *Host) subscribe(link Link, topic string) {
	h.mu.Lock()
	hl, ok := h.links[link]
	if ok {
		hl.topics[topic] = true
	}
	retained, haveRetained := h.lastBody[topic]
	seq := h.pubseq[topic]
	h.mu.Unlock()
	if !ok {
		return
	}
	// A new subscriber gets the retained snapshot immediately so it can
	// render before the next change-driven broadcast.
	if haveRetained {
		h.sendTo(link, Envelope{
			Type:    TypeMessage,
			Topic:   topic,
			Payload: json.RawMessage(retained),
			PubSeq:  seq,
		})
	}
}

func (h *Host) unsubscribe(link Link, topic string) {
	h.mu.Lock()
	if hl, ok := h.links[link]; ok {
		delete(hl.topics, topic)
	}
	h.mu.Unlock()
}

func (h *Host) clientPublish(link Link, env Envelope) {
	engineID, kind, ok := ParseTopic(env.Topic)
	if !ok {
		h.log.Debug("discarding publish on unknown topic", "topic", env.Topic)
		return
	}
	switch kind {
	case TopicEvents:
		var ce ClientEvent
		if err := env.DecodePayload(&ce); err != nil {
			h.log.Debug("discarding malformed client event", "topic", env.Topic, "error", err)
			return
		}
		if h.onIntent != nil {
			h.onIntent(engineID, ce.Event, ce.SubSeq)
		}
	case TopicRequestSnapshot:
		h.answerSnapshotRequest(link, engineID)
	default:
		h.log.Debug("discarding publish on host-owned topic", "topic", env.Topic)
	}
}

// answerSnapshotRequest replies with the current snapshot at the current
// pubseq — not a replay of missed deltas.
func (h *Host) answerSnapshotRequest(link Link, engineID string) {
	topic := SnapshotTopic(engineID)
	h.mu.Lock()
	body, haveBody := h.lastBody[topic]
	seq := h.pubseq[topic]
	h.mu.Unlock()

	if !haveBody {
		if h.source == nil {
			return
		}
		snap, ok := h.source(engineID)
		if !ok {
			h.log.Debug("snapshot requested for unknown engine", "engine_id", engineID)
			return
		}
		if err := h.PublishSnapshot(engineID, snap); err != nil {
			h.log.Warn("publish on request failed", "engine_id", engineID, "error", err)
			return
		}
		h.mu.Lock()
		body = h.lastBody[topic]
		seq = h.pubseq[topic]
		h.mu.Unlock()
	}
	h.sendTo(link, Envelope{
		Type:    TypeMessage,
		Topic:   topic,
		Payload: json.RawMessage(body),
		PubSeq:  seq,
	})
}

// PublishSnapshot broadcasts an engine snapshot to subscribed links if its
// serialized form differs from the last published one. Unchanged snapshots
// are suppressed to avoid redundant broadcast storms.
func (h *Host) PublishSnapshot(engineID string, snap SnapshotPayload) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	topic := SnapshotTopic(engineID)

	h.mu.Lock()
	if h.lastBody[topic] == string(body) {
		h.mu.Unlock()
		return nil
	}
	h.pubseq[topic]++
	seq := h.pubseq[topic]
	h.lastBody[topic] = string(body)
	targets := make([]Link, 0, len(h.links))
	for _, hl := range h.links {
		if hl.topics[topic] {
			targets = append(targets, hl.link)
		}
	}
	h.mu.Unlock()

	env := Envelope{
		Type:    TypeMessage,
		Topic:   topic,
		Payload: body,
		PubSeq:  seq,
	}
	for _, link := range targets {
		h.sendTo(link, env)
	}
	return nil
}

// PubSeq returns the current sequence for an engine's snapshot topic.
func (h *Host) PubSeq(engineID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pubseq[SnapshotTopic(engineID)]
}

func (h *Host) sendTo(link Link, env Envelope) {
	if err := link.Send(env); err != nil {
		h.log.Debug("link send failed, detaching", "topic", env.Topic, "error", err)
		h.Detach(link)
	}
}
