package domain

import "time"

// RecoveryType names what came back.
type RecoveryType string

const (
	RecoveryPrinter  RecoveryType = "printer"
	RecoveryInternet RecoveryType = "internet"
	RecoveryCombined RecoveryType = "combined"
	RecoveryManual   RecoveryType = "manual"
)

// RecoveryPhase is the session state machine.
type RecoveryPhase string

const (
	PhaseIdle       RecoveryPhase = "idle"
	PhaseValidation RecoveryPhase = "validation"
	PhaseProcessing RecoveryPhase = "processing"
	PhaseCompletion RecoveryPhase = "completion"
	PhaseFailed     RecoveryPhase = "failed"
)

// RecoverySession is a bounded, single-writer drain of the offline queue.
// At most one session may be in a non-terminal phase at any time.
type RecoverySession struct {
	ID             string
	RecoveryType   RecoveryType
	Phase          RecoveryPhase
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	ItemsTotal     int
	ItemsProcessed int
	ItemsFailed    int
	ErrorMessage   string
	Metadata       map[string]any
}

// Active reports whether the session occupies the single non-terminal slot.
func (s RecoverySession) Active() bool {
	return s.Phase == PhaseValidation || s.Phase == PhaseProcessing
}

// Succeeded applies the configurable success ratio over processed items.
func (s RecoverySession) Succeeded(threshold float64) bool {
	if s.ItemsProcessed == 0 {
		return false
	}
	return float64(s.ItemsProcessed-s.ItemsFailed)/float64(s.ItemsProcessed) > threshold
}

type RecoveryRepository interface {
	SaveRecoverySession(ctx Context, s RecoverySession) error
	GetRecoverySession(ctx Context, id string) (RecoverySession, error)
	LatestRecoverySession(ctx Context) (RecoverySession, error)
	RecentRecoverySessions(ctx Context, limit int) ([]RecoverySession, error)
	// FailDanglingSessions marks sessions left non-terminal by a crash as
	// failed; run at startup before the manager accepts triggers.
	FailDanglingSessions(ctx Context, reason string) (int, error)
}
