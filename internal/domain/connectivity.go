package domain

import "time"

// ConnComponent names a monitored dependency.
type ConnComponent string

const (
	ComponentPrinter  ConnComponent = "printer"
	ComponentInternet ConnComponent = "internet"
)

// ConnStatus is the reachability verdict for one component.
type ConnStatus string

const (
	ConnOnline   ConnStatus = "online"
	ConnOffline  ConnStatus = "offline"
	ConnDegraded ConnStatus = "degraded"
	ConnUnknown  ConnStatus = "unknown"
)

// ConnectivityState is the current per-component view.
type ConnectivityState struct {
	Component    ConnComponent
	Status       ConnStatus
	LastOnlineAt *time.Time
	CheckedAt    time.Time
}

// ConnEventType enumerates the append-only connectivity log entries.
type ConnEventType string

const (
	EventPrinterOnline        ConnEventType = "printer_online"
	EventPrinterOffline       ConnEventType = "printer_offline"
	EventInternetOnline       ConnEventType = "internet_online"
	EventInternetOffline      ConnEventType = "internet_offline"
	EventConnectivityRestored ConnEventType = "connectivity_restored"
	EventRecoveryStarted      ConnEventType = "recovery_started"
	EventRecoveryCompleted    ConnEventType = "recovery_completed"
	EventRecoveryFailed       ConnEventType = "recovery_failed"
)

// ConnectivityEvent records one transition or recovery milestone.
type ConnectivityEvent struct {
	ID              string
	EventType       ConnEventType
	Component       ConnComponent
	Status          ConnStatus
	Timestamp       time.Time
	DurationOffline *time.Duration
	Details         map[string]any
}

type EventRepository interface {
	AppendConnectivityEvent(ctx Context, e ConnectivityEvent) error
	RecentConnectivityEvents(ctx Context, limit int) ([]ConnectivityEvent, error)
}
