package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/worklens/worklens/internal/engine"
)

type lampContext struct {
	Switches int    `json:"switches"`
	LastNote string `json:"last_note,omitempty"`
}

const (
	stateOff engine.State = "off"
	stateOn  engine.State = "on"
)

func lampTable() engine.Table[lampContext] {
	flip := func(next engine.State) engine.Transition[lampContext] {
		return func(c lampContext, ev engine.Event) (lampContext, engine.State, []engine.Effect) {
			c.Switches++
			return c, next, []engine.Effect{{Kind: "notify", Payload: string(next)}}
		}
	}
	annotate := func(c lampContext, ev engine.Event) (lampContext, engine.State, []engine.Effect) {
		note, _ := ev.Payload.(string)
		c.LastNote = note
		return c, "", nil
	}
	return engine.Table[lampContext]{
		stateOff: {
			"turn-on":  flip(stateOn),
			"annotate": annotate,
		},
		stateOn: {
			"turn-off": flip(stateOff),
			"annotate": annotate,
		},
	}
}

func TestStepAppliesEventsInOrder(t *testing.T) {
	e := engine.New(stateOff, lampContext{}, lampTable())
	effects := e.Step(
		engine.NewEvent("turn-on", nil),
		engine.NewEvent("turn-off", nil),
		engine.NewEvent("turn-on", nil),
	)
	if e.State() != stateOn {
		t.Fatalf("expected on, got %s", e.State())
	}
	if got := e.Context().Switches; got != 3 {
		t.Fatalf("expected 3 switches, got %d", got)
	}
	if len(effects) != 3 {
		t.Fatalf("expected 3 effects, got %d", len(effects))
	}
}

func TestStepIgnoresUnmatchedEvents(t *testing.T) {
	e := engine.New(stateOff, lampContext{}, lampTable())
	// turn-off is not wired from off; unrelated kinds come from bus fan-out.
	effects := e.Step(
		engine.NewEvent("turn-off", nil),
		engine.NewEvent("auth:success", nil),
	)
	if e.State() != stateOff {
		t.Fatalf("expected off, got %s", e.State())
	}
	if e.Context().Switches != 0 {
		t.Fatalf("context mutated by unmatched events: %+v", e.Context())
	}
	if len(effects) != 0 {
		t.Fatalf("expected no effects, got %d", len(effects))
	}
}

func TestZeroStateKeepsCurrentState(t *testing.T) {
	e := engine.New(stateOn, lampContext{}, lampTable())
	e.Step(engine.NewEvent("annotate", "checked"))
	if e.State() != stateOn {
		t.Fatalf("expected state preserved, got %s", e.State())
	}
	if e.Context().LastNote != "checked" {
		t.Fatalf("expected note applied, got %+v", e.Context())
	}
}

func TestHandles(t *testing.T) {
	e := engine.New(stateOff, lampContext{}, lampTable())
	if !e.Handles("turn-on") {
		t.Fatalf("expected turn-on handled from off")
	}
	if e.Handles("turn-off") {
		t.Fatalf("expected turn-off unhandled from off")
	}
}

func TestSnapshotSerializes(t *testing.T) {
	e := engine.New(stateOff, lampContext{}, lampTable())
	e.Step(engine.NewEvent("turn-on", nil))
	raw, err := json.Marshal(e.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded engine.Snapshot[lampContext]
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if decoded.State != stateOn || decoded.Context.Switches != 1 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
