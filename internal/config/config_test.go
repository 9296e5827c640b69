package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATABASE_PATH", "JWT_SECRET", "SENIOR_TRANCHE_RATE", "RESERVE_RATIO", "MINIMUM_DISCOUNT_RATE", "MINIMUM_LOAN_DURATION"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "vault.db", cfg.DatabasePath)
	require.Equal(t, "0.05", cfg.SeniorTrancheRate)
	require.Equal(t, "0.10", cfg.ReserveRatio)
	require.Equal(t, "0", cfg.MinimumDiscountRate)
	require.Equal(t, time.Duration(0), cfg.MinimumLoanDuration)
}

func TestLoadDevMode(t *testing.T) {
	// DEV_MODE wins when set; otherwise ENV decides.
	t.Setenv("ENV", "production")
	t.Setenv("DEV_MODE", "")
	require.False(t, Load().DevMode)

	t.Setenv("DEV_MODE", "true")
	require.True(t, Load().DevMode)

	t.Setenv("ENV", "")
	t.Setenv("DEV_MODE", "false")
	require.False(t, Load().DevMode)

	t.Setenv("DEV_MODE", "")
	require.True(t, Load().DevMode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MINIMUM_LOAN_DURATION", "168h")
	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 168*time.Hour, cfg.MinimumLoanDuration)
}
