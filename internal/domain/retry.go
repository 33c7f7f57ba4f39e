// Retry and dead-letter entities for resilient print dispatch.
package domain

import (
	"math"
	"math/rand"
	"time"
)

// FailureType classifies why an operation failed; it selects the retry
// strategy and feeds breaker statistics.
type FailureType string

const (
	FailurePrinterOffline      FailureType = "printer_offline"
	FailurePrinterError        FailureType = "printer_error"
	FailureNetworkError        FailureType = "network_error"
	FailureResourceUnavailable FailureType = "resource_unavailable"
	FailureTemporaryError      FailureType = "temporary_error"
	FailureUnknown             FailureType = "unknown"
)

// RetryStrategy selects the delay curve between attempts.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyFixed       RetryStrategy = "fixed"
	StrategyImmediate   RetryStrategy = "immediate"
)

// RetryConfig defines the retry policy for one failure type.
type RetryConfig struct {
	// Strategy selects the delay curve.
	Strategy RetryStrategy
	// InitialDelay is the base delay fed into the curve.
	InitialDelay time.Duration
	// MaxDelay caps the computed base delay.
	MaxDelay time.Duration
	// BackoffFactor is the exponential multiplier.
	BackoffFactor float64
	// JitterFactor spreads delays by uniform(-j, +j) * base.
	JitterFactor float64
	// MaxAttempts is the total attempt budget including the first call.
	MaxAttempts int
}

// Delay returns the wait before the given attempt number (1-based); the
// first attempt never waits. The base is capped at MaxDelay before jitter
// is applied, and the result is never negative.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	var base float64
	switch c.Strategy {
	case StrategyLinear:
		base = float64(c.InitialDelay) * float64(attempt)
	case StrategyFixed:
		base = float64(c.InitialDelay)
	case StrategyImmediate:
		return 0
	default: // exponential
		base = float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	}
	if maxd := float64(c.MaxDelay); c.MaxDelay > 0 && base > maxd {
		base = maxd
	}
	if c.JitterFactor > 0 {
		base += (rand.Float64()*2 - 1) * c.JitterFactor * base
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// DefaultStrategyFor returns the retry policy for a failure type. All
// defaults use exponential backoff with 10% jitter.
func DefaultStrategyFor(ft FailureType) RetryConfig {
	c := RetryConfig{Strategy: StrategyExponential, JitterFactor: 0.1}
	switch ft {
	case FailurePrinterOffline:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 2*time.Second, 60*time.Second, 1.5, 5
	case FailurePrinterError:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 1*time.Second, 30*time.Second, 2.0, 3
	case FailureNetworkError:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 500*time.Millisecond, 60*time.Second, 2.0, 4
	case FailureResourceUnavailable:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 5*time.Second, 300*time.Second, 1.8, 3
	case FailureTemporaryError:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 1*time.Second, 120*time.Second, 2.0, 4
	default:
		c.InitialDelay, c.MaxDelay, c.BackoffFactor, c.MaxAttempts = 2*time.Second, 60*time.Second, 2.0, 3
	}
	return c
}

// RetryAttempt is one entry in a task's ordered attempt log.
type RetryAttempt struct {
	// AttemptNumber is 1-based.
	AttemptNumber int
	// Timestamp is when the attempt started.
	Timestamp time.Time
	// DelayBefore is the wait that preceded this attempt.
	DelayBefore time.Duration
	// Success records the attempt outcome.
	Success bool
	// Duration is how long the callable ran.
	Duration time.Duration
	// ErrorMessage is empty on success.
	ErrorMessage string
}

// RetryTask is a unit of retryable work tracked by the retry manager.
type RetryTask struct {
	// ID is unique per task run.
	ID string
	// Name describes the operation for logs and the operator surface.
	Name string
	// FailureType selected the strategy.
	FailureType FailureType
	// Config is the resolved retry policy.
	Config RetryConfig
	// Attempts is the ordered attempt log.
	Attempts []RetryAttempt
	// LastError is the most recent failure message.
	LastError string
	// Metadata carries caller context for inspection.
	Metadata map[string]any
	// CreatedAt is when the task was first submitted.
	CreatedAt time.Time
}

// DeadLetter is a terminally failed task retained for inspection and
// manual requeue.
type DeadLetter struct {
	TaskID        string
	Task          RetryTask
	FailureReason string
	MovedAt       time.Time
	CanRequeue    bool
}

type RetryLogRepository interface {
	AppendRetryAttempt(ctx Context, taskID string, ft FailureType, a RetryAttempt) error
	// MarkTaskDeadLettered stamps dead_letter_at on the task's attempt rows.
	MarkTaskDeadLettered(ctx Context, taskID string, at time.Time) error
	// ClearDeadLetter unstamps a requeued task.
	ClearDeadLetter(ctx Context, taskID string) error
	TaskAttempts(ctx Context, taskID string) ([]RetryAttempt, error)
}
