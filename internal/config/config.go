package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pumptrader/pkg/crypto"
	"pumptrader/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Exchange ExchangeConfig
	Trading  TradingConfig
	Risk     RiskConfig
	Schedule ScheduleConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

// ServerConfig - admin HTTP API
type ServerConfig struct {
	Port           int
	Host           string
	AdminTokenHash string   // bcrypt хеш токена, пусто = API только на чтение /health и /metrics
	AllowedOrigins []string // Origin для /ws, пусто = любые
}

// DatabaseConfig - настройки подключения к БД (журнал сделок, снимки equity)
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// ExchangeConfig - доступ к бирже
type ExchangeConfig struct {
	APIKey        string
	APISecret     string
	EncryptionKey string // ключ для значений "enc:..."
	RESTURL       string
	StreamURL     string
	RecvWindow    string
	HTTPTimeout   time.Duration
	TimeSyncEvery time.Duration

	// Websocket
	WSReconnectDelay time.Duration
	WSPingInterval   time.Duration
	WSReadTimeout    time.Duration
}

// TradingConfig - параметры сигналов и входа
type TradingConfig struct {
	Timeframe          string
	HistoryCapacity    int
	MinDataBars        int
	ConcurrentRequests int
	VolumeFilterUSD    float64

	PumpLookback       int
	PumpThreshold      float64
	RSIPeriod          int
	VolatilityPeriod   int
	PriceChangePeriod  int
	VolumeChangePeriod int

	BasePositionSizeUSD float64
	MaxActiveTrades     int
	StopLossPct         float64
	TakeProfitPct       float64
	TrailActivationPct  float64
	TrailOffsetPct      float64

	TradeExpiry       time.Duration
	AdoptedHold       time.Duration
	CooldownInterval  time.Duration
	CooldownStartHour int
	DedupCapacity     int
	DedupWindow       time.Duration
	OrderTimeout      time.Duration
}

// RiskConfig - пороги риск-менеджмента
type RiskConfig struct {
	BreakevenThresholdPct float64
	BreakevenBufferPct    float64
	BreakevenTolerancePct float64

	UnrealizedActivationMult float64 // x BasePositionSizeUSD
	UnrealizedRetracePct     float64

	DailyLossPct       float64
	WeeklyReducePct    float64
	WeeklyHaltPct      float64
	WeeklyReduceFactor float64
	RecoveryPct        float64

	NegativePnlAge  time.Duration
	WatchdogTimeout time.Duration
}

// ScheduleConfig - периоды фоновых задач
type ScheduleConfig struct {
	SymbolRefresh    time.Duration
	BalanceCheck     time.Duration
	PnlCheck         time.Duration
	BreakevenCheck   time.Duration
	BreakevenIdle    time.Duration
	Reconcile        time.Duration
	NegativePnlCheck time.Duration
	MemoryCleanup    time.Duration
	WatchdogCheck    time.Duration

	JournalReplay    time.Duration // глубина восстановления по журналу
	JournalRetention time.Duration // старше - удаляется
}

// NotifyConfig - уведомления в Telegram
type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
	TelegramAPIURL string
	QueueSize      int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// Load загружает конфигурацию из переменных окружения.
// Если рядом лежит .env, значения из него подхватываются первыми.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "127.0.0.1"),
			AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
		},
		Database: loadDatabase(),
		Exchange: ExchangeConfig{
			APIKey:        getEnv("BYBIT_API_KEY", ""),
			APISecret:     getEnv("BYBIT_API_SECRET", ""),
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			RESTURL:       getEnv("BYBIT_REST_URL", "https://api.bybit.com"),
			StreamURL:     getEnv("BYBIT_STREAM_URL", "wss://stream.bybit.com/v5/public/linear"),
			RecvWindow:    getEnv("RECV_WINDOW", "10000"),
			HTTPTimeout:   getEnvAsDuration("HTTP_TIMEOUT", 5*time.Second),
			TimeSyncEvery: getEnvAsDuration("TIME_SYNC_INTERVAL", 60*time.Second),

			WSReconnectDelay: getEnvAsDuration("WS_RECONNECT_DELAY", 5*time.Second),
			WSPingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 20*time.Second),
			WSReadTimeout:    getEnvAsDuration("WS_READ_TIMEOUT", 60*time.Second),
		},
		Trading: TradingConfig{
			Timeframe:          getEnv("TIMEFRAME", "5"),
			HistoryCapacity:    getEnvAsInt("HISTORY_CAPACITY", 200),
			MinDataBars:        getEnvAsInt("MIN_DATA_BARS", 150),
			ConcurrentRequests: getEnvAsInt("CONCURRENT_REQUESTS", 8),
			VolumeFilterUSD:    getEnvAsFloat("VOLUME_FILTER_USD", 10_000_000),

			PumpLookback:       getEnvAsInt("PUMP_LOOKBACK", 12),
			PumpThreshold:      getEnvAsFloat("PUMP_THRESHOLD", 8),
			RSIPeriod:          getEnvAsInt("RSI_PERIOD", 84),
			VolatilityPeriod:   getEnvAsInt("VOLATILITY_PERIOD", 144),
			PriceChangePeriod:  getEnvAsInt("PRICE_CHANGE_PERIOD", 144),
			VolumeChangePeriod: getEnvAsInt("VOLUME_CHANGE_PERIOD", 144),

			BasePositionSizeUSD: getEnvAsFloat("BASE_POSITION_SIZE_USD", 200),
			MaxActiveTrades:     getEnvAsInt("MAX_ACTIVE_TRADES", 20),
			StopLossPct:         getEnvAsFloat("STOPLOSS", 8),
			TakeProfitPct:       getEnvAsFloat("TAKEPROFIT", 30),
			TrailActivationPct:  getEnvAsFloat("TRAIL_ACTIVATION", 20),
			TrailOffsetPct:      getEnvAsFloat("TRAIL_OFFSET", 10),

			TradeExpiry:       getEnvAsDuration("TRADE_EXPIRY", 72*time.Hour),
			AdoptedHold:       getEnvAsDuration("ADOPTED_POSITION_HOLD", 48*time.Hour),
			CooldownInterval:  getEnvAsDuration("COOLDOWN_INTERVAL", 4*time.Hour),
			CooldownStartHour: getEnvAsInt("COOLDOWN_START_HOUR_UTC", 0),
			DedupCapacity:     getEnvAsInt("DEDUP_CAPACITY", 1000),
			DedupWindow:       getEnvAsDuration("DEDUP_WINDOW", 24*time.Hour),
			OrderTimeout:      getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second),
		},
		Risk: RiskConfig{
			BreakevenThresholdPct: getEnvAsFloat("BREAKEVEN_THRESHOLD", 8),
			BreakevenBufferPct:    getEnvAsFloat("BREAKEVEN_BUFFER", 0.1),
			BreakevenTolerancePct: getEnvAsFloat("BREAKEVEN_TOLERANCE", 0.1),

			UnrealizedActivationMult: getEnvAsFloat("UNREALIZED_ACTIVATION_MULT", 2),
			UnrealizedRetracePct:     getEnvAsFloat("UNREALIZED_RETRACE_PCT", 30),

			DailyLossPct:       getEnvAsFloat("DAILY_DRAWDOWN_PCT", 2),
			WeeklyReducePct:    getEnvAsFloat("WEEKLY_REDUCE_PCT", 4),
			WeeklyHaltPct:      getEnvAsFloat("WEEKLY_HALT_PCT", 6),
			WeeklyReduceFactor: getEnvAsFloat("WEEKLY_REDUCE_FACTOR", 0.5),
			RecoveryPct:        getEnvAsFloat("WEEKLY_RECOVERY_PCT", 50),

			NegativePnlAge:  getEnvAsDuration("NEGATIVE_PNL_CLOSE_AGE", 8*time.Hour),
			WatchdogTimeout: getEnvAsDuration("WATCHDOG_TIMEOUT", 60*time.Second),
		},
		Schedule: ScheduleConfig{
			SymbolRefresh:    getEnvAsDuration("SYMBOL_REFRESH_INTERVAL", 4*time.Hour),
			BalanceCheck:     getEnvAsDuration("BALANCE_CHECK_INTERVAL", 180*time.Second),
			PnlCheck:         getEnvAsDuration("PNL_CHECK_INTERVAL", 5*time.Second),
			BreakevenCheck:   getEnvAsDuration("BREAKEVEN_CHECK_INTERVAL", 120*time.Second),
			BreakevenIdle:    getEnvAsDuration("BREAKEVEN_IDLE_INTERVAL", 300*time.Second),
			Reconcile:        getEnvAsDuration("RECONCILIATION_CHECK_INTERVAL", 180*time.Second),
			NegativePnlCheck: getEnvAsDuration("NEGATIVE_PNL_CHECK_INTERVAL", 180*time.Second),
			MemoryCleanup:    getEnvAsDuration("MEMORY_CLEANUP_INTERVAL", time.Hour),
			WatchdogCheck:    getEnvAsDuration("WATCHDOG_CHECK_INTERVAL", 10*time.Second),

			JournalReplay:    getEnvAsDuration("JOURNAL_REPLAY_WINDOW", 168*time.Hour),
			JournalRetention: getEnvAsDuration("JOURNAL_RETENTION", 30*24*time.Hour),
		},
		Notify: NotifyConfig{
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
			TelegramAPIURL: getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			QueueSize:      getEnvAsInt("NOTIFY_QUEUE_SIZE", 256),
		},
		Logging: loadLogging(),
	}

	if err := cfg.validateCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadTooling - конфигурация служебных команд (миграции, журнал):
// только БД и логирование, без ключей биржи
func LoadTooling() (DatabaseConfig, LoggingConfig, error) {
	_ = godotenv.Load()

	db := loadDatabase()
	if db.Port < 1 || db.Port > 65535 {
		return db, LoggingConfig{}, fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", db.Port)
	}
	return db, loadLogging(), nil
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", "postgres"),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		Name:     getEnv("DB_NAME", "pumptrader"),
		User:     getEnv("DB_USER", "trader"),
		Password: getEnv("DB_PASSWORD", ""),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	}
}

func loadLogging() LoggingConfig {
	return LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
		File:   getEnv("LOG_FILE", ""),
	}
}

// LogConfig переводит настройки в параметры logger
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{Level: l.Level, Format: l.Format, OutputFile: l.File}
}

// validateCredentials проверяет ключи биржи и расшифровывает "enc:" значения
func (c *Config) validateCredentials() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("BYBIT_API_KEY is required")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("BYBIT_API_SECRET is required")
	}

	secret, err := crypto.RevealSecret(c.Exchange.APISecret, c.Exchange.EncryptionKey)
	if err != nil {
		return fmt.Errorf("BYBIT_API_SECRET: %w", err)
	}
	c.Exchange.APISecret = secret

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	t := c.Trading
	if t.MinDataBars > t.HistoryCapacity {
		return fmt.Errorf("MIN_DATA_BARS (%d) cannot exceed HISTORY_CAPACITY (%d)", t.MinDataBars, t.HistoryCapacity)
	}
	for name, period := range map[string]int{
		"PUMP_LOOKBACK":        t.PumpLookback,
		"RSI_PERIOD":           t.RSIPeriod,
		"VOLATILITY_PERIOD":    t.VolatilityPeriod,
		"PRICE_CHANGE_PERIOD":  t.PriceChangePeriod,
		"VOLUME_CHANGE_PERIOD": t.VolumeChangePeriod,
	} {
		if period < 1 || period >= t.HistoryCapacity {
			return fmt.Errorf("%s must be in [1, HISTORY_CAPACITY), got %d", name, period)
		}
	}

	if t.MaxActiveTrades < 1 {
		return fmt.Errorf("MAX_ACTIVE_TRADES must be positive, got %d", t.MaxActiveTrades)
	}
	if t.BasePositionSizeUSD <= 0 {
		return fmt.Errorf("BASE_POSITION_SIZE_USD must be positive, got %v", t.BasePositionSizeUSD)
	}
	if t.ConcurrentRequests < 1 {
		return fmt.Errorf("CONCURRENT_REQUESTS must be positive, got %d", t.ConcurrentRequests)
	}
	if t.CooldownStartHour < 0 || t.CooldownStartHour > 23 {
		return fmt.Errorf("COOLDOWN_START_HOUR_UTC must be between 0 and 23, got %d", t.CooldownStartHour)
	}

	percents := []struct {
		name  string
		value float64
	}{
		{"STOPLOSS", t.StopLossPct},
		{"TAKEPROFIT", t.TakeProfitPct},
		{"TRAIL_ACTIVATION", t.TrailActivationPct},
		{"TRAIL_OFFSET", t.TrailOffsetPct},
		{"BREAKEVEN_THRESHOLD", c.Risk.BreakevenThresholdPct},
		{"DAILY_DRAWDOWN_PCT", c.Risk.DailyLossPct},
		{"WEEKLY_REDUCE_PCT", c.Risk.WeeklyReducePct},
		{"WEEKLY_HALT_PCT", c.Risk.WeeklyHaltPct},
	}
	for _, p := range percents {
		if err := utils.ValidatePercentage(p.name, p.value, 100); err != nil {
			return err
		}
	}
	if t.StopLossPct >= 100 {
		return fmt.Errorf("STOPLOSS must be below 100%%")
	}
	if c.Risk.WeeklyReducePct >= c.Risk.WeeklyHaltPct {
		return fmt.Errorf("WEEKLY_REDUCE_PCT (%v) must be below WEEKLY_HALT_PCT (%v)", c.Risk.WeeklyReducePct, c.Risk.WeeklyHaltPct)
	}

	if c.Exchange.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %v", c.Exchange.HTTPTimeout)
	}
	if c.Risk.WatchdogTimeout <= c.Schedule.WatchdogCheck {
		return fmt.Errorf("WATCHDOG_TIMEOUT (%v) must exceed WATCHDOG_CHECK_INTERVAL (%v)", c.Risk.WatchdogTimeout, c.Schedule.WatchdogCheck)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList читает список через запятую; "*" и пустое значение дают nil
func getEnvAsList(key string) []string {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" || valueStr == "*" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
