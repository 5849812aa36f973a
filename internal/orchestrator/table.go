package orchestrator

import (
	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
)

type mergePayload struct {
	ConnectionID string
	Summary      ConnectionSummary
}

type devicePayload struct {
	ConnectionID string
	Session      *model.DeviceCodeSession
}

type reminderKey struct {
	ConnectionID string
	Kind         model.ReminderKind
}

type workItemsPayload struct {
	ConnectionID string
	Items        []model.WorkItem
	LoadError    string
}

func appTable() engine.Table[AppContext] {
	merges := map[string]engine.Transition[AppContext]{
		evMergeChild:      mergeChild,
		evMergeTimer:      mergeTimer,
		evSetDeviceCode:   setDeviceCode,
		evAddReminder:     addReminder,
		evDismissReminder: dismissReminder,
	}
	active := map[string]engine.Transition[AppContext]{
		evConnectionsLoaded: connectionsLoaded,
		evSelectConnection:  selectConnection,
		evWorkItemsLoaded:   workItemsLoaded,
		evSetViewMode:       setViewMode,
		evDeactivate:        deactivate,
	}
	for kind, tr := range merges {
		active[kind] = tr
	}
	return engine.Table[AppContext]{
		StateInactive: {
			evActivate: activate,
		},
		StateActivating: {
			evConnectionsLoaded: connectionsLoaded,
			evActivationFailed:  activationFailed,
			evMergeTimer:        mergeTimer,
			evDeactivate:        deactivate,
		},
		StateActive: active,
		StateErrorRecovery: {
			evRecover:           beginRecovery,
			evConnectionsLoaded: connectionsLoaded,
			evActivationFailed:  activationFailed,
			evDeactivate:        deactivate,
			evMergeChild:        mergeChild,
			evMergeTimer:        mergeTimer,
		},
		StateDeactivating: {
			evDeactivated: deactivated,
		},
	}
}

func activate(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	c.LastError = ""
	return c, StateActivating, []engine.Effect{{Kind: effLoadConnections}}
}

func beginRecovery(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	c.LastError = ""
	return c, StateActivating, []engine.Effect{{Kind: effLoadConnections}}
}

func activationFailed(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	message, _ := ev.Payload.(string)
	c.LastError = message
	return c, StateErrorRecovery, nil
}

// connectionsLoaded replaces the connection list and prunes everything
// keyed by ids that no longer exist, keeping the active-id invariant.
func connectionsLoaded(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	list, _ := ev.Payload.([]model.Connection)
	c.Connections = append([]model.Connection(nil), list...)

	live := make(map[string]bool, len(list))
	for _, conn := range list {
		live[conn.ID] = true
	}
	items := make(map[string][]model.WorkItem, len(c.WorkItems))
	for id, v := range c.WorkItems {
		if live[id] {
			items[id] = v
		}
	}
	c.WorkItems = items
	summaries := make(map[string]ConnectionSummary, len(c.Summaries))
	for id, v := range c.Summaries {
		if live[id] {
			summaries[id] = v
		}
	}
	c.Summaries = summaries
	reminders := make([]model.Reminder, 0, len(c.Reminders))
	for _, r := range c.Reminders {
		if live[r.ConnectionID] {
			reminders = append(reminders, r)
		}
	}
	c.Reminders = reminders
	if c.ActiveConnectionID != "" && !live[c.ActiveConnectionID] {
		c.ActiveConnectionID = ""
	}
	if c.DeviceCode != nil && !live[c.DeviceCode.ConnectionID] {
		c.DeviceCode = nil
	}
	return c, StateActive, []engine.Effect{{Kind: effSyncEngines, Payload: list}, {Kind: effRestoreTimer}}
}

func selectConnection(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	id, _ := ev.Payload.(string)
	c.ActiveConnectionID = id
	return c, "", []engine.Effect{{Kind: effLoadWorkItems, ConnectionID: id, Payload: id}}
}

func workItemsLoaded(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	p := ev.Payload.(workItemsPayload)
	if p.LoadError != "" {
		c.LastError = p.LoadError
		return c, "", nil
	}
	items := make(map[string][]model.WorkItem, len(c.WorkItems)+1)
	for id, v := range c.WorkItems {
		items[id] = v
	}
	items[p.ConnectionID] = append([]model.WorkItem(nil), p.Items...)
	c.WorkItems = items
	return c, "", nil
}

func setViewMode(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	mode, _ := ev.Payload.(model.ViewMode)
	c.ViewMode = mode
	return c, "", nil
}

func mergeChild(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	p := ev.Payload.(mergePayload)
	summaries := make(map[string]ConnectionSummary, len(c.Summaries)+1)
	for id, v := range c.Summaries {
		summaries[id] = v
	}
	summaries[p.ConnectionID] = p.Summary
	c.Summaries = summaries
	return c, "", nil
}

func mergeTimer(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	summary, _ := ev.Payload.(TimerSummary)
	c.Timer = summary
	return c, "", nil
}

func setDeviceCode(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	p := ev.Payload.(devicePayload)
	if p.Session != nil {
		session := *p.Session
		c.DeviceCode = &session
	} else if c.DeviceCode != nil && c.DeviceCode.ConnectionID == p.ConnectionID {
		c.DeviceCode = nil
	}
	return c, "", nil
}

// addReminder keeps at most one reminder per (connection, kind), replacing
// the message of an existing one.
func addReminder(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	r, _ := ev.Payload.(model.Reminder)
	reminders := make([]model.Reminder, 0, len(c.Reminders)+1)
	for _, existing := range c.Reminders {
		if existing.ConnectionID == r.ConnectionID && existing.Kind == r.Kind {
			continue
		}
		reminders = append(reminders, existing)
	}
	c.Reminders = append(reminders, r)
	return c, "", nil
}

func dismissReminder(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	key, _ := ev.Payload.(reminderKey)
	reminders := make([]model.Reminder, 0, len(c.Reminders))
	for _, existing := range c.Reminders {
		if existing.ConnectionID == key.ConnectionID && existing.Kind == key.Kind {
			continue
		}
		reminders = append(reminders, existing)
	}
	c.Reminders = reminders
	return c, "", nil
}

func deactivate(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	return c, StateDeactivating, []engine.Effect{{Kind: effTeardown}}
}

func deactivated(c AppContext, ev engine.Event) (AppContext, engine.State, []engine.Effect) {
	next := AppContext{ViewMode: c.ViewMode}
	return next, StateInactive, nil
}
