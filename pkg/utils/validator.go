package utils

import (
	"fmt"
	"strings"
)

// validator.go - валидация данных
//
// Проверка символов и процентных параметров конфигурации.
// Возвращает error с описанием проблемы или nil.

// QuoteAsset - котируемый актив торгуемых контрактов
const QuoteAsset = "USDT"

// NormalizeSymbol приводит символ к виду биржи (BTCUSDT)
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "_", "")
}

// ValidateSymbol проверяет формат символа: только A-Z/0-9 и суффикс USDT
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	for _, r := range symbol {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return fmt.Errorf("symbol %q contains invalid character %q", symbol, r)
		}
	}
	if !IsQuotedIn(symbol, QuoteAsset) || len(symbol) == len(QuoteAsset) {
		return fmt.Errorf("symbol %q must be a %s pair", symbol, QuoteAsset)
	}
	return nil
}

// IsQuotedIn проверяет, что символ котируется в quote
func IsQuotedIn(symbol, quote string) bool {
	return strings.HasSuffix(symbol, quote)
}

// ValidatePercentage проверяет, что значение лежит в (0, max]
func ValidatePercentage(name string, value, max float64) error {
	if value <= 0 || value > max {
		return fmt.Errorf("%s must be in (0, %v], got %v", name, max, value)
	}
	return nil
}
