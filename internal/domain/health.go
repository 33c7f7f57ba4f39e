package domain

import (
	"fmt"
	"time"
)

// ResourceType names a monitored resource.
type ResourceType string

const (
	ResourceMemory    ResourceType = "memory"
	ResourceCPU       ResourceType = "cpu"
	ResourceDisk      ResourceType = "disk"
	ResourceThreads   ResourceType = "threads"
	ResourceWebhook   ResourceType = "webhook"
	ResourcePublicURL ResourceType = "public_url"
)

// HealthStatus is the severity derived from thresholds.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
	HealthEmergency HealthStatus = "emergency"
)

// HealthThresholds maps a 0-100 value to a status. Construction must
// reject configurations where the levels are not monotonically ordered.
type HealthThresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// Validate rejects thresholds unless warning <= critical <= emergency.
func (t HealthThresholds) Validate() error {
	if t.Warning > t.Critical || t.Critical > t.Emergency {
		return fmt.Errorf("op=domain.HealthThresholds.Validate: warning=%.1f critical=%.1f emergency=%.1f: %w",
			t.Warning, t.Critical, t.Emergency, ErrInvalidArgument)
	}
	return nil
}

// StatusFor maps a sampled value onto the threshold ladder.
func (t HealthThresholds) StatusFor(value float64) HealthStatus {
	switch {
	case value >= t.Emergency:
		return HealthEmergency
	case value >= t.Critical:
		return HealthCritical
	case value >= t.Warning:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// HealthMetric is one sample; Value is a percentage or failure rate in
// [0,100].
type HealthMetric struct {
	ID           string
	ResourceType ResourceType
	Timestamp    time.Time
	Value        float64
	Status       HealthStatus
	Metadata     map[string]any
}

// HealthEvent is emitted on a status transition for a resource.
type HealthEvent struct {
	ResourceType ResourceType
	From         HealthStatus
	To           HealthStatus
	Metric       HealthMetric
}

// Recovered reports a transition back to healthy.
func (e HealthEvent) Recovered() bool {
	return e.To == HealthHealthy && e.From != HealthHealthy
}

// SelfHealingEvent records a cleanup run triggered by a degraded resource.
type SelfHealingEvent struct {
	ID           string
	EventType    string
	ResourceType ResourceType
	Timestamp    time.Time
	Details      map[string]any
}

type HealthRepository interface {
	AppendHealthMetric(ctx Context, m HealthMetric) error
	RecentHealthMetrics(ctx Context, resource ResourceType, limit int) ([]HealthMetric, error)
	AppendSelfHealingEvent(ctx Context, e SelfHealingEvent) error
}
