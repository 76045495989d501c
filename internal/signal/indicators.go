package signal

import (
	"math"

	"pumptrader/internal/models"
)

// Индикаторы считаются только по последнему бару. Второе значение false
// означает, что данных недостаточно.

// RSI - индекс относительной силы со сглаживанием Уайлдера
// (EMA с alpha = 1/period, без поправки на начало ряда).
// Первое изменение цены принимается нулевым.
func RSI(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period {
		return 0, false
	}

	alpha := 1 / float64(period)
	var avgUp, avgDown float64
	for i := 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if diff > 0 {
			up = diff
		} else {
			down = -diff
		}
		avgUp = (1-alpha)*avgUp + alpha*up
		avgDown = (1-alpha)*avgDown + alpha*down
	}

	if avgDown == 0 {
		return 100, true
	}
	return 100 - 100/(1+avgUp/avgDown), true
}

// Volatility - выборочное стандартное отклонение процентных доходностей
// за последние window баров
func Volatility(closes []float64, window int) (float64, bool) {
	if window < 2 || len(closes) < window+1 {
		return 0, false
	}

	returns := make([]float64, 0, window)
	for i := len(closes) - window; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			return 0, false
		}
		returns = append(returns, (closes[i]/prev-1)*100)
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	return math.Sqrt(sq / float64(len(returns)-1)), true
}

// SpreadPct - (high - low) / close в процентах
func SpreadPct(bar models.Bar) (float64, bool) {
	if bar.Close == 0 {
		return 0, false
	}
	return (bar.High - bar.Low) / bar.Close * 100, true
}

// PctChange - изменение в процентах между values[len-1-window] и последним значением
func PctChange(values []float64, window int) (float64, bool) {
	if window < 1 || len(values) <= window {
		return 0, false
	}
	base := values[len(values)-1-window]
	if base == 0 {
		return 0, false
	}
	return (values[len(values)-1]/base - 1) * 100, true
}

// PumpPct - рост от open бара lookback назад до close последнего бара
func PumpPct(bars []models.Bar, lookback int) (float64, bool) {
	if lookback < 1 || len(bars) <= lookback {
		return 0, false
	}
	base := bars[len(bars)-1-lookback].Open
	if base == 0 {
		return 0, false
	}
	return (bars[len(bars)-1].Close - base) / base * 100, true
}

func closesOf(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func volumesOf(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
