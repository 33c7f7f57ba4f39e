package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/app"
	"github.com/restogear/print-service/internal/service/breaker"
)

func TestStoreCheck_NilStore(t *testing.T) {
	check := app.StoreCheck(nil, nil)
	require.Error(t, check(context.Background()))
}

func TestStoreCheck_PingsThroughBreaker(t *testing.T) {
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "ready.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	db := breaker.New(breaker.Database, breaker.DefaultConfigs()[breaker.Database])
	check := app.StoreCheck(store, db)
	require.NoError(t, check(context.Background()))

	// A dead store surfaces as a failed probe, not a panic.
	require.NoError(t, store.Close())
	err = check(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, breaker.ErrOpen), "first failure must not be a breaker rejection")
}

func TestStoreCheck_NoBreaker(t *testing.T) {
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "ready2.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, app.StoreCheck(store, nil)(context.Background()))
}
