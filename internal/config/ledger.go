package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type LedgerConfig struct {
	SupportedCurrencies []string
	DefaultCurrency     string
	DecimalPlaces       int
	NotificationQueue   string
	NotificationTimeout time.Duration
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		SupportedCurrencies: getEnvAsList("LEDGER_CURRENCIES", []string{"KRW", "USD"}),
		DefaultCurrency:     getEnv("LEDGER_DEFAULT_CURRENCY", "KRW"),
		DecimalPlaces:       getEnvAsInt("LEDGER_DECIMAL_PLACES", 2),
		NotificationQueue:   getEnv("LEDGER_NOTIFICATION_QUEUE", "notification_queue"),
		NotificationTimeout: getEnvAsDuration("LEDGER_NOTIFICATION_TIMEOUT", 5*time.Second),
	}
}

// SupportsCurrency reports whether the given ISO 4217 code is enabled.
func (c *LedgerConfig) SupportsCurrency(code string) bool {
	for _, cur := range c.SupportedCurrencies {
		if cur == code {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
