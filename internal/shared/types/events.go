package types

import "time"

// EventType identifies a lifecycle event on the bus
type EventType string

const (
	EventPluginsLoaded    EventType = "plugins_loaded"
	EventPluginStatus     EventType = "plugin_status"
	EventPluginError      EventType = "plugin_error"
	EventPluginOutput     EventType = "plugin_output"
	EventSyncStarted      EventType = "sync_started"
	EventSyncCompleted    EventType = "sync_completed"
	EventConflictResolved EventType = "conflict_resolved"
	EventEnvCreated       EventType = "environment_created"
	EventEnvDeleted       EventType = "environment_deleted"
	EventEnvUpdated       EventType = "environment_updated"
	EventNotice           EventType = "notice"
)

// Severity classifies user-visible notifications
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one typed message on the lifecycle bus. Exactly one of the
// payload fields is set depending on Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Plugin      string   `json:"plugin,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Package     string   `json:"package,omitempty"`
	Stream      string   `json:"stream,omitempty"`
	Success     *bool    `json:"success,omitempty"`
	Message     string   `json:"message,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
}
