package utils

import (
	"fmt"
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Границы торговых периодов для риск-менеджмента и cooldown символов.
//
// Функции:
// - GetDayStartFrom / GetWeekStartFrom: начало дня / недели (понедельник) в UTC
// - NextDailyReset / NextWeeklyReset: ближайшая граница сброса (00:01 UTC)
// - IntervalStart: начало выровненного интервала (cooldown)
// - FromUnixMillis: конвертация timestamp биржи

// ResetOffset - смещение сброса от начала дня (00:01 UTC)
const ResetOffset = time.Minute

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetWeekStartFrom возвращает понедельник 00:00:00 UTC недели, содержащей t
func GetWeekStartFrom(t time.Time) time.Time {
	t = t.UTC()

	// ISO 8601: 1=Monday, ..., 7=Sunday
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}

	monday := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}

// CurrentDailyReset возвращает последнюю прошедшую границу 00:01 UTC
func CurrentDailyReset(now time.Time) time.Time {
	b := GetDayStartFrom(now).Add(ResetOffset)
	if now.UTC().Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// NextDailyReset возвращает ближайшую будущую границу 00:01 UTC
//
// Пример:
//
//	// Сейчас: 2024-01-15 14:30 UTC
//	NextDailyReset(now) // 2024-01-16 00:01 UTC
func NextDailyReset(now time.Time) time.Time {
	return CurrentDailyReset(now).AddDate(0, 0, 1)
}

// CurrentWeeklyReset возвращает последнюю прошедшую границу понедельник 00:01 UTC
func CurrentWeeklyReset(now time.Time) time.Time {
	b := GetWeekStartFrom(now).Add(ResetOffset)
	if now.UTC().Before(b) {
		b = b.AddDate(0, 0, -7)
	}
	return b
}

// NextWeeklyReset возвращает ближайший будущий понедельник 00:01 UTC
func NextWeeklyReset(now time.Time) time.Time {
	return CurrentWeeklyReset(now).AddDate(0, 0, 7)
}

// IntervalStart возвращает начало интервала длиной interval, выровненного
// от startHour UTC. Используется для cooldown: два времени в одном
// интервале дают одинаковый результат.
//
// Пример (interval=4h, startHour=0):
//   - 13:59 -> 12:00
//   - 16:00 -> 16:00
func IntervalStart(t time.Time, interval time.Duration, startHour int) time.Time {
	if interval <= 0 {
		return t.UTC()
	}
	t = t.UTC()
	anchor := GetDayStartFrom(t).Add(time.Duration(startHour) * time.Hour)
	if t.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	n := t.Sub(anchor) / interval
	return anchor.Add(n * interval)
}

// FormatDuration форматирует продолжительность в человекочитаемый вид ("3d5h", "2h15m0s", "45s")
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Truncate(time.Second)

	days := int(d / (24 * time.Hour))
	if days > 0 {
		hours := int((d % (24 * time.Hour)) / time.Hour)
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return d.String()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time UTC
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
