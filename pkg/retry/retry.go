// Package retry - ограниченные повторы сетевых операций с backoff.
//
// Каждый сетевой вызов движка делает не больше нескольких попыток,
// после чего вызывающий код считает операцию неудавшейся на этом цикле.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - параметры повторов
type Config struct {
	// Максимум попыток (включая первую). 0 = одна попытка.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Множитель задержки: 1.0 = линейно постоянная, 2.0 = экспонента
	Multiplier float64

	// Доля случайного разброса задержки (0..1)
	JitterFactor float64

	// Повторять ли эту ошибку. nil = повторять все, кроме Permanent.
	RetryIf func(error) bool

	// Вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// RequestConfig - REST запросы к бирже: 3 попытки, 500ms -> 1s
func RequestConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// StopOrderConfig - установка TP/SL/трейлинга после входа: 3 попытки раз в секунду
func StopOrderConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
	}
}

// LiquidationConfig - аварийное закрытие позиций: больше попыток, короче пауза
func LiquidationConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
}

func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет operation с повторами.
//
// Возвращает nil при первом успехе, иначе последнюю ошибку.
// Отмена ctx прерывает ожидание между попытками.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - то же, что Do, но возвращает результат операции
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, d)
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func shouldRetry(cfg Config, err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// RetryIfNotContext - не повторять отмену и истечение контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError помечает ошибку как не подлежащую повтору
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent оборачивает err, прекращая повторы
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
