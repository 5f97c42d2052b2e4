package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "DB_PATH", "LOG_LEVEL", "LOG_FORMAT", "LOG_TIME_FORMAT", "LOG_OUTPUT",
		"PARTIAL_REFUND_PERCENT", "AUTO_APPLY_PROVISIONS", "OVERPAYMENT_CREDIT_NOTES",
		"SCHEDULER_ENABLED", "SCHEDULER_INTERVAL", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "reconcile.db", cfg.DBPath)
	assert.Equal(t, "50", cfg.PartialRefundPercent.String())
	assert.True(t, cfg.AutoApplyProvisions)
	assert.False(t, cfg.OverpaymentCreditNotes)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSAllowedOrigins)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PARTIAL_REFUND_PERCENT", "25.5")
	t.Setenv("AUTO_APPLY_PROVISIONS", "false")
	t.Setenv("SCHEDULER_INTERVAL", "15m")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://admin.example.org , ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "25.5", cfg.PartialRefundPercent.String())
	assert.False(t, cfg.EngineConfig().AutoApplyProvisions)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, []string{"https://admin.example.org"}, cfg.CORSAllowedOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "http"},
		{"PORT", "70000"},
		{"PARTIAL_REFUND_PERCENT", "120"},
		{"PARTIAL_REFUND_PERCENT", "half"},
		{"AUTO_APPLY_PROVISIONS", "sometimes"},
		{"SCHEDULER_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestLoadDotEnv_MissingFileIsSkipped(t *testing.T) {
	err := LoadDotEnv(filepath.Join(t.TempDir(), ".env"))

	assert.NoError(t, err)
}

func TestLoadDotEnv_FillsUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RECONCILE_DOTENV_CHECK=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RECONCILE_DOTENV_CHECK") })

	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, "from-file", os.Getenv("RECONCILE_DOTENV_CHECK"))
}

func TestLoadDotEnv_MalformedFileIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BAD-KEY=1\n"), 0o600))

	err := LoadDotEnv(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
