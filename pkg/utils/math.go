package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для расчета ордеров
//
// Назначение:
// Округление объемов и цен по правилам биржи и процентные расчеты.
// Все функции чистые, без побочных эффектов.
//
// Округление выполняется в decimal, чтобы 0.1+0.2 не превращалось
// в 0.30000000000000004 и объем не уходил на шаг ниже.

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//   - RoundToLotSize(4.0, 0.01) = 4.0
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	step := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(step).Floor().Mul(step).Float64()
	return f
}

// RoundToLotSizeUp округляет значение ВВЕРХ до ближайшего кратного lotSize
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	step := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(step).Ceil().Mul(step).Float64()
	return f
}

// RoundToTick округляет цену до ближайшего кратного tickSize.
//
// Для цен используется обычное округление, а не floor: стоп-лосс и
// тейк-профит должны оставаться как можно ближе к расчетному уровню.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	f, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return f
}

// OrderQtyParams - параметры инструмента для расчета объема
type OrderQtyParams struct {
	PositionSizeUSD float64
	Price           float64
	QtyStep         float64
	MinQty          float64
	MinNotional     float64
}

// CalculateOrderQty рассчитывает объем ордера по правилам биржи.
//
// Порядок:
//  1. raw = PositionSizeUSD / Price, округление вниз до QtyStep
//  2. если меньше MinQty - поднимаем до MinQty
//  3. если qty*Price < MinNotional - поднимаем до ceil(MinNotional/Price) по шагу
//
// Пример: 200 USD, цена 50, шаг 0.01, minQty 0.01 -> 4.00
func CalculateOrderQty(p OrderQtyParams) float64 {
	if p.Price <= 0 || p.PositionSizeUSD <= 0 {
		return 0
	}

	qty := RoundToLotSize(p.PositionSizeUSD/p.Price, p.QtyStep)
	if qty < p.MinQty {
		qty = p.MinQty
	}
	if p.MinNotional > 0 && qty*p.Price < p.MinNotional {
		qty = RoundToLotSizeUp(p.MinNotional/p.Price, p.QtyStep)
	}
	return qty
}

// PercentChange возвращает изменение от from к to в процентах.
// Если from <= 0, возвращает 0.
func PercentChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from * 100
}

// WithinTolerance проверяет |a-b|/b <= tolerancePct/100
func WithinTolerance(a, b, tolerancePct float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b)*100 <= tolerancePct
}

// FormatPrice форматирует цену без лишних нулей ("0.0001234", "65000.5")
func FormatPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// FormatQty форматирует количество контрактов
func FormatQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}
