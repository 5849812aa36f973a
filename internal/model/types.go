package model

import "time"

// AuthMethod distinguishes the two credential policies a connection can use.
// The connection engine treats token expiry differently for each: credential
// auth refreshes silently, interactive auth requires the user to sign in
// again.
type AuthMethod string

const (
	AuthMethodCredential  AuthMethod = "credential"
	AuthMethodInteractive AuthMethod = "interactive"
)

// Connection identifies one remote project binding. Unique by ID; immutable
// once created except through explicit update events.
type Connection struct {
	ID           string     `json:"id" yaml:"id"`
	Organization string     `json:"organization" yaml:"organization"`
	Project      string     `json:"project" yaml:"project"`
	Label        string     `json:"label,omitempty" yaml:"label,omitempty"`
	AuthMethod   AuthMethod `json:"auth_method" yaml:"auth_method"`
	BaseURL      string     `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// DisplayName prefers the user-chosen label over organization/project.
func (c Connection) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Organization + "/" + c.Project
}

type WorkItem struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	Type       string `json:"type,omitempty"`
	State      string `json:"state,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

// ReminderKind scopes a dismissible user-facing reminder.
type ReminderKind string

const (
	ReminderAuthExpired ReminderKind = "auth_expired"
	ReminderAuthFailed  ReminderKind = "auth_failed"
	ReminderConnFailed  ReminderKind = "connection_failed"
)

type Reminder struct {
	ConnectionID string       `json:"connection_id"`
	Kind         ReminderKind `json:"kind"`
	Message      string       `json:"message"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DeviceCodeSession carries the in-flight interactive sign-in prompt shown
// to the user while an auth engine waits for device-code completion.
type DeviceCodeSession struct {
	ConnectionID    string    `json:"connection_id"`
	UserCode        string    `json:"user_code"`
	VerificationURL string    `json:"verification_url"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type ViewMode string

const (
	ViewModeWorkItems   ViewMode = "work_items"
	ViewModeConnections ViewMode = "connections"
	ViewModeSettings    ViewMode = "settings"
)

// TimerHistoryEntry is one completed timer run, recorded on Stop.
type TimerHistoryEntry struct {
	WorkItemID int           `json:"work_item_id"`
	Title      string        `json:"title"`
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  time.Time     `json:"stopped_at"`
	Duration   time.Duration `json:"duration"`
	CapApplied bool          `json:"cap_applied,omitempty"`
}
