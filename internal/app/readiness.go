package app

import (
	"context"
	"fmt"

	"github.com/restogear/print-service/internal/service/breaker"
)

// Pinger is the minimal interface for a store capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// StoreCheck returns the /readyz store probe. When a database breaker is
// given, probes run through it so a dead store fails fast instead of
// piling up ping timeouts.
func StoreCheck(store Pinger, db *breaker.Breaker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("store not configured")
		}
		if db == nil {
			return store.Ping(ctx)
		}
		return db.Do(ctx, func(ctx context.Context) error { return store.Ping(ctx) })
	}
}
