package config

import (
	"strings"
	"testing"
	"time"

	"pumptrader/pkg/crypto"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trading.PumpLookback != 12 || cfg.Trading.PumpThreshold != 8 {
		t.Errorf("pump defaults: %d / %v", cfg.Trading.PumpLookback, cfg.Trading.PumpThreshold)
	}
	if cfg.Trading.MaxActiveTrades != 20 || cfg.Trading.BasePositionSizeUSD != 200 {
		t.Errorf("sizing defaults: %d / %v", cfg.Trading.MaxActiveTrades, cfg.Trading.BasePositionSizeUSD)
	}
	if cfg.Trading.TradeExpiry != 72*time.Hour {
		t.Errorf("TradeExpiry = %v", cfg.Trading.TradeExpiry)
	}
	if cfg.Risk.WatchdogTimeout != 60*time.Second || cfg.Schedule.WatchdogCheck != 10*time.Second {
		t.Errorf("watchdog defaults: %v / %v", cfg.Risk.WatchdogTimeout, cfg.Schedule.WatchdogCheck)
	}
	if cfg.Exchange.RecvWindow != "10000" {
		t.Errorf("RecvWindow = %q", cfg.Exchange.RecvWindow)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestLoad_EncryptedSecret(t *testing.T) {
	key := strings.Repeat("e", 32)
	ct, err := crypto.Encrypt("real-secret", []byte(key))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", crypto.EncryptedPrefix+ct)
	t.Setenv("ENCRYPTION_KEY", key)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.APISecret != "real-secret" {
		t.Errorf("APISecret = %q", cfg.Exchange.APISecret)
	}
}

func TestLoad_InvalidRanges(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port", "SERVER_PORT", "70000"},
		{"min bars above capacity", "MIN_DATA_BARS", "500"},
		{"rsi period", "RSI_PERIOD", "0"},
		{"stop loss", "STOPLOSS", "0"},
		{"max trades", "MAX_ACTIVE_TRADES", "0"},
		{"weekly order", "WEEKLY_REDUCE_PCT", "7"},
		{"cooldown hour", "COOLDOWN_START_HOUR_UTC", "24"},
		{"watchdog", "WATCHDOG_TIMEOUT", "5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected validation error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_TelegramPair(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	if _, err := Load(); err == nil {
		t.Error("token without chat id must fail")
	}
}

func TestDSNWithoutPassword(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	if strings.Contains(d.DSNWithoutPassword(), "password") {
		t.Error("DSNWithoutPassword leaks password")
	}
	if !strings.Contains(d.DSN(), "password=p") {
		t.Error("DSN must contain password")
	}
}

func TestGetEnvAsList(t *testing.T) {
	tests := []struct {
		value    string
		expected []string
	}{
		{"", nil},
		{"*", nil},
		{"http://localhost:3000", []string{"http://localhost:3000"}},
		{" https://a.example , ,https://b.example ", []string{"https://a.example", "https://b.example"}},
	}
	for _, tt := range tests {
		t.Setenv("ALLOWED_ORIGINS", tt.value)
		got := getEnvAsList("ALLOWED_ORIGINS")
		if strings.Join(got, "|") != strings.Join(tt.expected, "|") || (got == nil) != (tt.expected == nil) {
			t.Errorf("%q: expected %v, got %v", tt.value, tt.expected, got)
		}
	}
}

func TestLoadTooling_NoCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")
	t.Setenv("DB_NAME", "journal_db")
	t.Setenv("LOG_LEVEL", "debug")

	db, logging, err := LoadTooling()
	if err != nil {
		t.Fatalf("LoadTooling: %v", err)
	}
	if db.Name != "journal_db" || db.Port != 5432 {
		t.Errorf("unexpected database config %+v", db)
	}
	if lc := logging.LogConfig(); lc.Level != "debug" || lc.Format != "json" {
		t.Errorf("unexpected log config %+v", lc)
	}

	t.Setenv("DB_PORT", "70000")
	if _, _, err := LoadTooling(); err == nil {
		t.Error("expected DB_PORT range error")
	}
}
