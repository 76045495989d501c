package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единая точка настройки логирования для всех компонентов торгового движка.
//
// Функции:
// - InitLogger: создать logger по LogConfig
// - InitGlobalLogger / SetGlobalLogger / L: глобальный logger
// - WithComponent / WithSymbol / WithRule: дочерние логгеры с полями
// - Debug / Info / Warn / Error (+ f-варианты): логирование через глобальный logger

// LogConfig - параметры логирования
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	OutputFile  string // пусто = stdout
	Development bool
}

// Logger - обертка над zap.Logger с sugared-вариантом
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitLogger создает logger по конфигурации.
//
// Пустые поля заменяются значениями по умолчанию (info, json, stdout).
// Если файл для вывода открыть не удалось, используется stdout.
func InitLogger(cfg LogConfig) *Logger {
	level := ParseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" || strings.ToLower(cfg.Format) == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(zapcore.NewCore(encoder, sink, level), opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// ParseLevel переводит строку в уровень zap (по умолчанию info)
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitGlobalLogger создает logger и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный logger
func SetGlobalLogger(l *Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// L возвращает глобальный logger. До инициализации - nop logger.
func L() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	nop := zap.NewNop()
	return &Logger{Logger: nop, sugar: nop.Sugar()}
}

// OrGlobal возвращает l, либо глобальный logger если l == nil
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return L()
}

// With возвращает дочерний logger с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(zap.String("component", name))
}

func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(zap.String("symbol", symbol))
}

func (l *Logger) WithRule(ruleID string) *Logger {
	return l.With(zap.String("rule_id", ruleID))
}

// Sugar возвращает sugared logger для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Infof(template string, args ...interface{})  { L().sugar.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { L().sugar.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { L().sugar.Errorf(template, args...) }
