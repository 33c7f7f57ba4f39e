package domain

import (
	"math"
	"testing"
	"time"
)

func TestDelayExponentialNoJitter(t *testing.T) {
	cfg := RetryConfig{
		Strategy:      StrategyExponential,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 1.5,
		JitterFactor:  0,
		MaxAttempts:   5,
	}

	for attempt := 2; attempt <= 5; attempt++ {
		want := time.Duration(float64(cfg.InitialDelay) * math.Pow(1.5, float64(attempt-1)))
		if want > cfg.MaxDelay {
			want = cfg.MaxDelay
		}
		if got := cfg.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayFirstAttemptIsZero(t *testing.T) {
	cfg := DefaultStrategyFor(FailurePrinterError)
	if got := cfg.Delay(0); got != 0 {
		t.Errorf("Delay(0) = %v, want 0", got)
	}
	if got := cfg.Delay(1); got != 0 {
		t.Errorf("Delay(1) = %v, want 0", got)
	}
}

func TestDelayStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy RetryStrategy
		attempt  int
		want     time.Duration
	}{
		{"linear attempt 2", StrategyLinear, 2, 2 * time.Second},
		{"linear attempt 3", StrategyLinear, 3, 3 * time.Second},
		{"fixed attempt 2", StrategyFixed, 2, time.Second},
		{"fixed attempt 5", StrategyFixed, 5, time.Second},
		{"immediate attempt 2", StrategyImmediate, 2, 0},
		{"immediate attempt 9", StrategyImmediate, 9, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfig{
				Strategy:     tt.strategy,
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				MaxAttempts:  10,
			}
			if got := cfg.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	cfg := RetryConfig{
		Strategy:      StrategyExponential,
		InitialDelay:  10 * time.Second,
		MaxDelay:      15 * time.Second,
		BackoffFactor: 3,
		MaxAttempts:   6,
	}
	for attempt := 2; attempt <= 6; attempt++ {
		if got := cfg.Delay(attempt); got > cfg.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds max %v", attempt, got, cfg.MaxDelay)
		}
	}
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	cfg := RetryConfig{
		Strategy:      StrategyExponential,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
		JitterFactor:  0.5,
		MaxAttempts:   4,
	}
	base := 2 * time.Second // initial * 2^(2-1)
	lo := time.Duration(float64(base) * 0.5)
	hi := time.Duration(float64(base) * 1.5)
	for i := 0; i < 200; i++ {
		got := cfg.Delay(2)
		if got < lo || got > hi {
			t.Fatalf("Delay(2) = %v outside jitter bounds [%v, %v]", got, lo, hi)
		}
	}
}

func TestDefaultStrategyFor(t *testing.T) {
	tests := []struct {
		ft          FailureType
		initial     time.Duration
		max         time.Duration
		factor      float64
		maxAttempts int
	}{
		{FailurePrinterOffline, 2 * time.Second, 60 * time.Second, 1.5, 5},
		{FailurePrinterError, time.Second, 30 * time.Second, 2.0, 3},
		{FailureNetworkError, 500 * time.Millisecond, 60 * time.Second, 2.0, 4},
		{FailureResourceUnavailable, 5 * time.Second, 300 * time.Second, 1.8, 3},
		{FailureTemporaryError, time.Second, 120 * time.Second, 2.0, 4},
		{FailureUnknown, 2 * time.Second, 60 * time.Second, 2.0, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.ft), func(t *testing.T) {
			cfg := DefaultStrategyFor(tt.ft)
			if cfg.InitialDelay != tt.initial {
				t.Errorf("InitialDelay = %v, want %v", cfg.InitialDelay, tt.initial)
			}
			if cfg.MaxDelay != tt.max {
				t.Errorf("MaxDelay = %v, want %v", cfg.MaxDelay, tt.max)
			}
			if cfg.BackoffFactor != tt.factor {
				t.Errorf("BackoffFactor = %v, want %v", cfg.BackoffFactor, tt.factor)
			}
			if cfg.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", cfg.MaxAttempts, tt.maxAttempts)
			}
			if cfg.Strategy != StrategyExponential {
				t.Errorf("Strategy = %q, want exponential", cfg.Strategy)
			}
		})
	}
}
