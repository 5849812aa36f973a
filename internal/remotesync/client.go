package remotesync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// SnapshotFunc receives authoritative (or predicted) snapshots for one
// engine topic.
type SnapshotFunc func(SnapshotPayload, uint64)

// Reducer predicts the snapshot an intent will produce. It must be pure;
// the prediction is thrown away wholesale when the next authoritative
// broadcast arrives, never merged.
type Reducer func(last SnapshotPayload, intent Intent) (SnapshotPayload, bool)

type subscription struct {
	fn      SnapshotFunc
	reducer Reducer
}

// Client is the subscriber side: it tracks the highest pubseq seen per
// topic and drops anything at or below it, so replays and reordered frames
// are harmless.
type Client struct {
	mu         sync.Mutex
	link       Link
	subs       map[string]*subscription
	lastPubseq map[string]uint64
	lastSnap   map[string]SnapshotPayload
	haveSnap   map[string]bool
	subseq     map[string]uint64
	log        *slog.Logger
}

func NewClient(link Link) *Client {
	c := &Client{
		link:       link,
		subs:       make(map[string]*subscription),
		lastPubseq: make(map[string]uint64),
		lastSnap:   make(map[string]SnapshotPayload),
		haveSnap:   make(map[string]bool),
		subseq:     make(map[string]uint64),
		log:        slog.Default(),
	}
	link.OnReceive(c.receive)
	return c
}

// Subscribe registers for an engine's snapshot topic and asks the host for
// the retained snapshot. A nil reducer disables prediction for this topic.
func (c *Client) Subscribe(engineID string, fn SnapshotFunc, reducer Reducer) error {
	topic := SnapshotTopic(engineID)
	c.mu.Lock()
	c.subs[topic] = &subscription{fn: fn, reducer: reducer}
	c.mu.Unlock()
	return c.link.Send(Envelope{Type: TypeSubscribe, Topic: topic})
}

func (c *Client) Unsubscribe(engineID string) error {
	topic := SnapshotTopic(engineID)
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return c.link.Send(Envelope{Type: TypeUnsubscribe, Topic: topic})
}

// SendIntent publishes an intent on the engine's events topic, stamped with
// the next subseq. If a reducer is registered, the predicted snapshot is
// delivered to the subscriber immediately; the host's next broadcast
// replaces it.
func (c *Client) SendIntent(engineID string, intent Intent) error {
	topic := EventsTopic(engineID)
	c.mu.Lock()
	c.subseq[topic]++
	seq := c.subseq[topic]
	c.mu.Unlock()

	body, err := json.Marshal(ClientEvent{Event: intent, SubSeq: seq})
	if err != nil {
		return fmt.Errorf("marshal client event: %w", err)
	}
	if err := c.link.Send(Envelope{Type: TypePublish, Topic: topic, Payload: body}); err != nil {
		return err
	}
	c.predict(engineID, intent)
	return nil
}

func (c *Client) predict(engineID string, intent Intent) {
	snapTopic := SnapshotTopic(engineID)
	c.mu.Lock()
	sub := c.subs[snapTopic]
	have := c.haveSnap[snapTopic]
	last := c.lastSnap[snapTopic]
	seq := c.lastPubseq[snapTopic]
	c.mu.Unlock()
	if sub == nil || sub.reducer == nil || !have {
		return
	}
	predicted, ok := sub.reducer(last, intent)
	if !ok {
		return
	}
	// Predicted snapshots keep the last authoritative pubseq: the host's
	// next broadcast carries a higher one and wins unconditionally.
	c.mu.Lock()
	c.lastSnap[snapTopic] = predicted
	c.mu.Unlock()
	sub.fn(predicted, seq)
}

// RequestSnapshot asks the host to re-send current truth for an engine,
// used on reconnect or whenever the client suspects it missed broadcasts.
func (c *Client) RequestSnapshot(engineID string) error {
	return c.link.Send(Envelope{
		Type:    TypePublish,
		Topic:   RequestSnapshotTopic(engineID),
		Payload: json.RawMessage(`{}`),
	})
}

// GetSnapshot returns the last snapshot seen for an engine, predicted or
// authoritative.
func (c *Client) GetSnapshot(engineID string) (SnapshotPayload, bool) {
	topic := SnapshotTopic(engineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnap[topic], c.haveSnap[topic]
}

// LastPubSeq returns the highest authoritative pubseq seen for an engine.
func (c *Client) LastPubSeq(engineID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPubseq[SnapshotTopic(engineID)]
}

func (c *Client) receive(env Envelope) {
	if env.Type != TypeMessage {
		c.log.Debug("discarding unexpected envelope", "type", env.Type, "topic", env.Topic)
		return
	}
	c.mu.Lock()
	sub := c.subs[env.Topic]
	last := c.lastPubseq[env.Topic]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if env.PubSeq <= last {
		c.log.Debug("discarding stale broadcast",
			"topic", env.Topic, "pubseq", env.PubSeq, "last", last)
		return
	}
	var snap SnapshotPayload
	if err := env.DecodePayload(&snap); err != nil {
		c.log.Debug("discarding malformed snapshot", "topic", env.Topic, "error", err)
		return
	}
	c.mu.Lock()
	c.lastPubseq[env.Topic] = env.PubSeq
	c.lastSnap[env.Topic] = snap
	c.haveSnap[env.Topic] = true
	c.mu.Unlock()
	sub.fn(snap, env.PubSeq)
}
