package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	require.Equal(t, PrinterInterfaceNetwork, cfg.PrinterInterface)
	require.Equal(t, 9100, cfg.PrinterPort)
	require.Equal(t, 5*time.Second, cfg.PrintPollInterval)
	require.Equal(t, 30*time.Second, cfg.ConnectivityCheckInterval)
	require.Len(t, cfg.ConnectivityProbeHosts, 2)
	require.Equal(t, 10000, cfg.QueueMaxSize)
	require.Equal(t, 24*time.Hour, cfg.QueueItemTTL)
	require.Equal(t, 5, cfg.RecoveryBatchSize)
	require.Equal(t, 2*time.Second, cfg.RecoveryBatchDelay)
	require.InDelta(t, 0.5, cfg.RecoverySuccessThreshold, 1e-9)
	require.True(t, cfg.EnableKitchenReceipt)
	require.False(t, cfg.EnableDriverReceipt)
	require.True(t, cfg.EnableCustomerReceipt)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
}

func Test_Load_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown store driver", "STORE_DRIVER", "etcd"},
		{"unknown printer interface", "PRINTER_INTERFACE", "serial"},
		{"threshold out of range", "RECOVERY_SUCCESS_THRESHOLD", "1.5"},
		{"zero batch size", "RECOVERY_BATCH_SIZE", "0"},
		{"zero queue size", "QUEUE_MAX_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func Test_Load_RequiresSMTPHostForRecipients(t *testing.T) {
	t.Setenv("NOTIFICATION_ENABLED", "true")
	t.Setenv("NOTIFICATION_EMAILS", "ops@example.com")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SMTP_HOST", "mail.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.NotifyEnabled())
}

func Test_AdminEnabled(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.AdminEnabled())

	t.Setenv("ADMIN_USER", "ops")
	t.Setenv("ADMIN_PASSWORD_HASH", "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA")
	cfg, err = Load()
	require.NoError(t, err)
	require.True(t, cfg.AdminEnabled())
}
