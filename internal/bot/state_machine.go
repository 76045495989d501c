package bot

import "pumptrader/internal/models"

// ValidTransitions определяет допустимые переходы между состояниями сделки
var ValidTransitions = map[models.TradeState][]models.TradeState{
	models.TradeStateNone:      {models.TradeStateActive},
	models.TradeStateActive:    {models.TradeStateBreakeven, models.TradeStateClosed},
	models.TradeStateBreakeven: {models.TradeStateClosed}, // назад в ACTIVE нельзя
	models.TradeStateClosed:    {},                        // терминальное
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.TradeState) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// CountsTowardCapacity - сделка занимает слот MAX_ACTIVE_TRADES.
// Сделки в безубытке слот освобождают.
func CountsTowardCapacity(s models.TradeState) bool {
	return s == models.TradeStateActive
}
