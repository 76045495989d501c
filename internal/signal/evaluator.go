// Package signal вычисляет индикаторы по истории свечей и выбирает правило входа.
//
// Evaluate - чистая функция: не ходит в сеть и не меняет входные данные.
package signal

import "pumptrader/internal/models"

// Идентификаторы правил входа
const (
	RuleScore    = "Rule 8" // композитный score + узкий спред
	RuleMomentum = "Rule 6" // RSI + волатильность
)

// Config - параметры индикаторов и порогов
type Config struct {
	MinBars            int
	PumpLookback       int
	PumpThreshold      float64
	RSIPeriod          int
	VolatilityPeriod   int
	PriceChangePeriod  int
	VolumeChangePeriod int
}

// DefaultConfig - 5-минутные свечи, окна пересчитаны с часового таймфрейма
func DefaultConfig() Config {
	return Config{
		MinBars:            150,
		PumpLookback:       12,
		PumpThreshold:      8,
		RSIPeriod:          84,
		VolatilityPeriod:   144,
		PriceChangePeriod:  144,
		VolumeChangePeriod: 144,
	}
}

// Пороги компонент score и правил
const (
	scoreRSI          = 60
	scoreVolumeChange = 50
	scoreSpread       = 3
	scoreVolatility   = 0.005
	scorePriceChange  = 5

	ruleScoreMin       = 2
	ruleScoreMaxSpread = 4
	ruleMomentumRSI    = 55
	ruleMomentumVol    = 0.008
)

// Evaluator оценивает правила входа
type Evaluator struct {
	cfg Config
}

// NewEvaluator создает оценщик
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Result - итог оценки истории символа
type Result struct {
	RuleID     string
	Indicators models.Indicators
	PumpPassed bool
}

// Matched - сработало одно из правил
func (r Result) Matched() bool {
	return r.RuleID != ""
}

// Evaluate оценивает историю (по возрастанию времени).
//
// Порядок:
//  1. меньше MinBars свечей - нет сигнала
//  2. pump gate: рост от open[t-PumpLookback] до close[t] >= PumpThreshold,
//     иначе правила не проверяются
//  3. "Rule 8" (score >= 2 и spread < 4%), затем "Rule 6" (RSI > 55 и
//     волатильность > 0.008); возвращается первое совпавшее
func (e *Evaluator) Evaluate(bars []models.Bar) Result {
	var res Result
	if len(bars) < e.cfg.MinBars || len(bars) == 0 {
		return res
	}

	pump, ok := PumpPct(bars, e.cfg.PumpLookback)
	res.Indicators.PumpPct = pump
	if !ok || pump < e.cfg.PumpThreshold {
		return res
	}
	res.PumpPassed = true

	closes := closesOf(bars)
	rsi, rsiOK := RSI(closes, e.cfg.RSIPeriod)
	vol, volOK := Volatility(closes, e.cfg.VolatilityPeriod)
	spread, spreadOK := SpreadPct(bars[len(bars)-1])
	priceChg, priceOK := PctChange(closes, e.cfg.PriceChangePeriod)
	volumeChg, volumeOK := PctChange(volumesOf(bars), e.cfg.VolumeChangePeriod)

	score := 0
	for _, cond := range []bool{
		rsiOK && rsi > scoreRSI,
		volumeOK && volumeChg > scoreVolumeChange,
		spreadOK && spread < scoreSpread,
		volOK && vol > scoreVolatility,
		priceOK && priceChg > scorePriceChange,
	} {
		if cond {
			score++
		}
	}

	res.Indicators = models.Indicators{
		RSI:            rsi,
		Volatility:     vol,
		SpreadPct:      spread,
		PriceChangePct: priceChg,
		VolumeChange:   volumeChg,
		PumpPct:        pump,
		Score:          score,
	}

	switch {
	case score >= ruleScoreMin && spreadOK && spread < ruleScoreMaxSpread:
		res.RuleID = RuleScore
	case rsiOK && rsi > ruleMomentumRSI && volOK && vol > ruleMomentumVol:
		res.RuleID = RuleMomentum
	}
	return res
}
