// Package engine is the generic finite-state evaluator every domain engine
// is built on. A transition table maps (state, event kind) to a pure
// transition function; I/O is never performed inside a transition, it is
// returned as effect descriptors for the caller to execute.
package engine

import (
	"time"
)

type State string

// Event is a tagged record describing an intended state change or an
// externally observed fact. Payload shape is validated by the factory
// functions in the domain packages.
type Event struct {
	Kind         string
	ConnectionID string
	At           time.Time
	Payload      any
}

func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Payload: payload, At: time.Now().UTC()}
}

func (ev Event) WithConnection(id string) Event {
	ev.ConnectionID = id
	return ev
}

// Effect describes I/O requested by a transition. The orchestrator executes
// effects after the step that produced them; transitions stay pure.
type Effect struct {
	Kind         string
	ConnectionID string
	Payload      any
}

// Transition computes the successor context and state for one event.
// Returning the zero State keeps the engine in its current state.
type Transition[C any] func(c C, ev Event) (C, State, []Effect)

// Table maps current state -> event kind -> transition. Missing entries are
// deliberate no-ops: engines stay robust to cross-engine event fan-out.
type Table[C any] map[State]map[string]Transition[C]

// Snapshot is the externally observable result of an engine. It must be
// serializable without loss, so contexts hold values, never live handles.
type Snapshot[C any] struct {
	State   State `json:"state"`
	Context C     `json:"context"`
}

type Engine[C any] struct {
	state State
	ctx   C
	table Table[C]
}

func New[C any](initial State, ctx C, table Table[C]) *Engine[C] {
	return &Engine[C]{state: initial, ctx: ctx, table: table}
}

// Step applies events in order. Events with no transition for the current
// state are ignored. Collected effects are returned for the caller to run.
func (e *Engine[C]) Step(events ...Event) []Effect {
	var effects []Effect
	for _, ev := range events {
		byKind, ok := e.table[e.state]
		if !ok {
			continue
		}
		fn, ok := byKind[ev.Kind]
		if !ok {
			continue
		}
		next, nextState, fx := fn(e.ctx, ev)
		e.ctx = next
		if nextState != "" {
			e.state = nextState
		}
		effects = append(effects, fx...)
	}
	return effects
}

func (e *Engine[C]) State() State {
	return e.state
}

// Context returns the current context by value. Callers must not rely on
// shared references inside it; contexts are treated as immutable records.
func (e *Engine[C]) Context() C {
	return e.ctx
}

func (e *Engine[C]) Snapshot() Snapshot[C] {
	return Snapshot[C]{State: e.state, Context: e.ctx}
}

// Handles reports whether the current state has a transition for kind.
// Domain engines use it to reject operations with a false return instead of
// silently dropping them.
func (e *Engine[C]) Handles(kind string) bool {
	byKind, ok := e.table[e.state]
	if !ok {
		return false
	}
	_, ok = byKind[kind]
	return ok
}
