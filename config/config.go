/*
Package config loads runtime settings from the environment.

PURPOSE:
  One Config struct for the server, the scheduler and ledgerctl. Mains call
  LoadDotEnv first so a local .env file fills in missing variables.

VARIABLES:
  PORT                      HTTP port (default 8080)
  DB_PATH                   SQLite file (default reconcile.db)
  LOG_LEVEL / LOG_FORMAT / LOG_TIME_FORMAT / LOG_OUTPUT
  PARTIAL_REFUND_PERCENT    Share refunded on partial cancellation (default 50)
  AUTO_APPLY_PROVISIONS     Spend standing credit on new invoices (default true)
  OVERPAYMENT_CREDIT_NOTES  Document overpayments with a credit note (default false)
  SCHEDULER_ENABLED         Run the pending-invoice sweep (default true)
  SCHEDULER_INTERVAL        Sweep interval as a Go duration (default 1h)
  CORS_ALLOWED_ORIGINS      Comma-separated origins
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/reconcile-engine/ledger"
	"github.com/warp/reconcile-engine/logger"
)

type Config struct {
	Port   int
	DBPath string

	// Logging
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string

	// Engine policy
	PartialRefundPercent   decimal.Decimal
	AutoApplyProvisions    bool
	OverpaymentCreditNotes bool

	SchedulerEnabled  bool
	SchedulerInterval time.Duration

	CORSAllowedOrigins []string
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	cfg := &Config{
		DBPath:             getEnv("DB_PATH", "reconcile.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:      getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:          getEnv("LOG_OUTPUT", "stdout"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(getEnv("PORT", "8080")); err != nil {
		fail("PORT", err)
	}
	if cfg.PartialRefundPercent, err = decimal.NewFromString(getEnv("PARTIAL_REFUND_PERCENT", "50")); err != nil {
		fail("PARTIAL_REFUND_PERCENT", err)
	}
	if cfg.AutoApplyProvisions, err = strconv.ParseBool(getEnv("AUTO_APPLY_PROVISIONS", "true")); err != nil {
		fail("AUTO_APPLY_PROVISIONS", err)
	}
	if cfg.OverpaymentCreditNotes, err = strconv.ParseBool(getEnv("OVERPAYMENT_CREDIT_NOTES", "false")); err != nil {
		fail("OVERPAYMENT_CREDIT_NOTES", err)
	}
	if cfg.SchedulerEnabled, err = strconv.ParseBool(getEnv("SCHEDULER_ENABLED", "true")); err != nil {
		fail("SCHEDULER_ENABLED", err)
	}
	if cfg.SchedulerInterval, err = time.ParseDuration(getEnv("SCHEDULER_INTERVAL", "1h")); err != nil {
		fail("SCHEDULER_INTERVAL", err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.PartialRefundPercent.IsNegative() || c.PartialRefundPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("PARTIAL_REFUND_PERCENT %s outside 0..100", c.PartialRefundPercent)
	}
	if c.SchedulerEnabled && c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

// LoggerConfig returns the logging section.
func (c *Config) LoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

// EngineConfig returns the ledger policy section.
func (c *Config) EngineConfig() ledger.Config {
	return ledger.Config{
		PartialRefundPercent:   c.PartialRefundPercent,
		AutoApplyProvisions:    c.AutoApplyProvisions,
		OverpaymentCreditNotes: c.OverpaymentCreditNotes,
	}
}

// LoadDotEnv fills unset variables from the given files (.env by default).
// A missing file is skipped; a malformed one is an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
