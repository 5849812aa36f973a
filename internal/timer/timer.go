// Package timer tracks the single active work timer: idle -> running <->
// paused -> idle, with inactivity auto-pause and a duration cap on stop.
package timer

import (
	"time"

	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
)

const (
	StateIdle    engine.State = "idle"
	StateRunning engine.State = "running"
	StatePaused  engine.State = "paused"
)

const (
	eventStart             = "timer:start"
	eventPause             = "timer:pause"
	eventResume            = "timer:resume"
	eventStop              = "timer:stop"
	eventActivityPing      = "timer:activity-ping"
	eventInactivityTimeout = "timer:inactivity-timeout"
	eventRestore           = "timer:restore"
)

// Effect kinds executed by the orchestrator.
const (
	EffectScheduleInactivity = "timer:schedule-inactivity"
	EffectCancelInactivity   = "timer:cancel-inactivity"
	EffectPersist            = "timer:persist"
	EffectClearPersisted     = "timer:clear-persisted"
	EffectAnnounce           = "timer:announce"
)

// Context is the timer's serializable state. History is bounded, newest
// last.
type Context struct {
	WorkItemID     int                       `json:"work_item_id,omitempty"`
	Title          string                    `json:"title,omitempty"`
	StartedAt      time.Time                 `json:"started_at,omitempty"`
	PausedAt       *time.Time                `json:"paused_at,omitempty"`
	LastActivityAt time.Time                 `json:"last_activity_at,omitempty"`
	LastStop       *StopResult               `json:"last_stop,omitempty"`
	History        []model.TimerHistoryEntry `json:"history,omitempty"`
}

// StopResult reports the outcome of a stop. When the raw elapsed time
// exceeds the cap, Duration is clamped and CapApplied is set; callers must
// surface that, never drop the excess silently.
type StopResult struct {
	WorkItemID int           `json:"work_item_id"`
	Title      string        `json:"title"`
	Duration   time.Duration `json:"duration"`
	CapApplied bool          `json:"cap_applied"`
	Cap        time.Duration `json:"cap,omitempty"`
}

// PersistedState is the durable form a restarted process restores from.
type PersistedState struct {
	WorkItemID int       `json:"work_item_id"`
	Title      string    `json:"title"`
	StartedAt  time.Time `json:"started_at"`
	Paused     bool      `json:"paused"`
}

type startPayload struct {
	workItemID int
	title      string
}

type restorePayload struct {
	startPayload
	startedAt time.Time
	paused    bool
}

type Config struct {
	Cap          time.Duration
	HistoryLimit int
}

type Timer struct {
	cfg Config
	eng *engine.Engine[Context]
}

func New(cfg Config) *Timer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	t := &Timer{cfg: cfg}
	t.eng = engine.New(StateIdle, Context{}, t.table())
	return t
}

// Start begins a timer from idle. Starting while one is already running or
// paused is rejected: the existing timer is preserved and false is returned.
func (t *Timer) Start(workItemID int, title string, now time.Time) ([]engine.Effect, bool) {
	if t.eng.State() != StateIdle {
		return nil, false
	}
	fx := t.eng.Step(event(eventStart, startPayload{workItemID: workItemID, title: title}, now))
	return fx, true
}

func (t *Timer) Pause(now time.Time) ([]engine.Effect, bool) {
	if t.eng.State() != StateRunning {
		return nil, false
	}
	return t.eng.Step(event(eventPause, nil, now)), true
}

func (t *Timer) Resume(now time.Time) ([]engine.Effect, bool) {
	if t.eng.State() != StatePaused {
		return nil, false
	}
	return t.eng.Step(event(eventResume, nil, now)), true
}

// Stop ends the timer from running or paused and records a history entry.
func (t *Timer) Stop(now time.Time) (StopResult, []engine.Effect, bool) {
	if t.eng.State() == StateIdle {
		return StopResult{}, nil, false
	}
	fx := t.eng.Step(event(eventStop, nil, now))
	c := t.eng.Context()
	if c.LastStop == nil {
		return StopResult{}, fx, false
	}
	return *c.LastStop, fx, true
}

// ActivityPing refreshes the activity timestamp while running and
// auto-resumes a paused timer. A ping while idle is a no-op.
func (t *Timer) ActivityPing(now time.Time) []engine.Effect {
	return t.eng.Step(event(eventActivityPing, nil, now))
}

// InactivityTimeout pauses a running timer. Idempotent: firing while
// already paused or idle does nothing.
func (t *Timer) InactivityTimeout(now time.Time) []engine.Effect {
	return t.eng.Step(event(eventInactivityTimeout, nil, now))
}

// Restore seeds the timer from persisted state after a restart. Only
// honored from idle.
func (t *Timer) Restore(ps PersistedState, now time.Time) bool {
	if t.eng.State() != StateIdle {
		return false
	}
	t.eng.Step(event(eventRestore, restorePayload{
		startPayload: startPayload{workItemID: ps.WorkItemID, title: ps.Title},
		startedAt:    ps.StartedAt,
		paused:       ps.Paused,
	}, now))
	return true
}

func (t *Timer) State() engine.State {
	return t.eng.State()
}

func (t *Timer) Snapshot() engine.Snapshot[Context] {
	return t.eng.Snapshot()
}

func event(kind string, payload any, now time.Time) engine.Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return engine.Event{Kind: kind, Payload: payload, At: now}
}

func (t *Timer) table() engine.Table[Context] {
	return engine.Table[Context]{
		StateIdle: {
			eventStart:   t.start,
			eventRestore: t.restore,
		},
		StateRunning: {
			eventPause:             t.pause,
			eventStop:              t.stop,
			eventActivityPing:      t.refreshActivity,
			eventInactivityTimeout: t.pause,
		},
		StatePaused: {
			eventResume:       t.resume,
			eventStop:         t.stop,
			eventActivityPing: t.resume,
		},
	}
}

func (t *Timer) start(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	p := ev.Payload.(startPayload)
	next := Context{
		WorkItemID:     p.workItemID,
		Title:          p.title,
		StartedAt:      ev.At,
		LastActivityAt: ev.At,
		History:        c.History,
	}
	return next, StateRunning, []engine.Effect{
		{Kind: EffectScheduleInactivity},
		{Kind: EffectPersist, Payload: PersistedState{WorkItemID: p.workItemID, Title: p.title, StartedAt: ev.At}},
		{Kind: EffectAnnounce},
	}
}

func (t *Timer) restore(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	p := ev.Payload.(restorePayload)
	next := Context{
		WorkItemID:     p.workItemID,
		Title:          p.title,
		StartedAt:      p.startedAt,
		LastActivityAt: ev.At,
		History:        c.History,
	}
	state := StateRunning
	fx := []engine.Effect{{Kind: EffectAnnounce}}
	if p.paused {
		pausedAt := ev.At
		next.PausedAt = &pausedAt
		state = StatePaused
	} else {
		fx = append(fx, engine.Effect{Kind: EffectScheduleInactivity})
	}
	return next, state, fx
}

func (t *Timer) pause(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	pausedAt := ev.At
	c.PausedAt = &pausedAt
	return c, StatePaused, []engine.Effect{
		{Kind: EffectCancelInactivity},
		{Kind: EffectPersist, Payload: PersistedState{WorkItemID: c.WorkItemID, Title: c.Title, StartedAt: c.StartedAt, Paused: true}},
		{Kind: EffectAnnounce},
	}
}

func (t *Timer) resume(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	c.PausedAt = nil
	c.LastActivityAt = ev.At
	return c, StateRunning, []engine.Effect{
		{Kind: EffectScheduleInactivity},
		{Kind: EffectPersist, Payload: PersistedState{WorkItemID: c.WorkItemID, Title: c.Title, StartedAt: c.StartedAt}},
		{Kind: EffectAnnounce},
	}
}

func (t *Timer) refreshActivity(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	c.LastActivityAt = ev.At
	return c, "", []engine.Effect{{Kind: EffectScheduleInactivity}}
}

func (t *Timer) stop(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	elapsed := ev.At.Sub(c.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	result := StopResult{
		WorkItemID: c.WorkItemID,
		Title:      c.Title,
		Duration:   elapsed,
	}
	if t.cfg.Cap > 0 && elapsed > t.cfg.Cap {
		result.Duration = t.cfg.Cap
		result.CapApplied = true
		result.Cap = t.cfg.Cap
	}

	// Copy-on-write so previously handed-out snapshots keep their history.
	history := make([]model.TimerHistoryEntry, 0, len(c.History)+1)
	history = append(history, c.History...)
	history = append(history, model.TimerHistoryEntry{
		WorkItemID: c.WorkItemID,
		Title:      c.Title,
		StartedAt:  c.StartedAt,
		StoppedAt:  ev.At,
		Duration:   result.Duration,
		CapApplied: result.CapApplied,
	})
	if len(history) > t.cfg.HistoryLimit {
		history = history[len(history)-t.cfg.HistoryLimit:]
	}

	next := Context{History: history, LastStop: &result}
	return next, StateIdle, []engine.Effect{
		{Kind: EffectCancelInactivity},
		{Kind: EffectClearPersisted},
		{Kind: EffectAnnounce},
	}
}
