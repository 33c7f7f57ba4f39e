package domain

import "time"

// NotificationType enumerates operator-facing alert events.
type NotificationType string

const (
	NotifyPrinterOffline    NotificationType = "printer_offline"
	NotifyPrinterOnline     NotificationType = "printer_online"
	NotifyInternetOffline   NotificationType = "internet_offline"
	NotifyInternetOnline    NotificationType = "internet_online"
	NotifySystemError       NotificationType = "system_error"
	NotifyRecoveryFailed    NotificationType = "recovery_failed"
	NotifyRecoveryCompleted NotificationType = "recovery_completed"
	NotifyQueueOverflow     NotificationType = "queue_overflow"
	NotifyServiceRestart    NotificationType = "service_restart"
)

// AllNotificationTypes lists every recognized type, used for template
// seeding and the operator surface.
func AllNotificationTypes() []NotificationType {
	return []NotificationType{
		NotifyPrinterOffline, NotifyPrinterOnline,
		NotifyInternetOffline, NotifyInternetOnline,
		NotifySystemError, NotifyRecoveryFailed, NotifyRecoveryCompleted,
		NotifyQueueOverflow, NotifyServiceRestart,
	}
}

// ThrottlePolicy bounds how often one notification type may be sent:
// minimum spacing plus a per-hour cap with a cooldown once the cap is hit.
type ThrottlePolicy struct {
	ThrottleMinutes int
	MaxPerHour      int
}

// DefaultThrottleFor returns the per-type throttle policy; types without a
// specific policy share the system_error one.
func DefaultThrottleFor(t NotificationType) ThrottlePolicy {
	switch t {
	case NotifyPrinterOffline:
		return ThrottlePolicy{ThrottleMinutes: 15, MaxPerHour: 4}
	case NotifyInternetOffline:
		return ThrottlePolicy{ThrottleMinutes: 30, MaxPerHour: 2}
	case NotifyRecoveryFailed:
		return ThrottlePolicy{ThrottleMinutes: 10, MaxPerHour: 6}
	case NotifyQueueOverflow:
		return ThrottlePolicy{ThrottleMinutes: 20, MaxPerHour: 3}
	default:
		return ThrottlePolicy{ThrottleMinutes: 5, MaxPerHour: 12}
	}
}

// NotificationTemplate is the stored subject/body pair for one type.
type NotificationTemplate struct {
	Type            NotificationType
	Subject         string
	Body            string
	HTML            string
	ThrottleMinutes int
	MaxPerHour      int
	Enabled         bool
}

// NotificationRecord is one delivery attempt in the history log.
type NotificationRecord struct {
	ID           string
	Type         NotificationType
	Context      map[string]any
	Success      bool
	SentAt       time.Time
	ErrorMessage string
}

type NotificationRepository interface {
	AppendNotification(ctx Context, r NotificationRecord) error
	RecentNotifications(ctx Context, limit int) ([]NotificationRecord, error)
	GetNotificationConfig(ctx Context, key string) (string, error)
	SetNotificationConfig(ctx Context, key, value, typ, description string) error
	UpsertNotificationTemplate(ctx Context, t NotificationTemplate) error
	GetNotificationTemplate(ctx Context, typ NotificationType) (NotificationTemplate, error)
	ListNotificationTemplates(ctx Context) ([]NotificationTemplate, error)
}
