package bot

import "errors"

// Причины, по которым сигнал не превращается в сделку.
// Это не сбои: движок логирует их на уровне debug.
var (
	ErrTradeExists       = errors.New("trade already open for key")
	ErrCapacityReached   = errors.New("max active trades reached")
	ErrSymbolCooldown    = errors.New("symbol in cooldown")
	ErrTradingHalted     = errors.New("trading halted")
	ErrRiskBlocked       = errors.New("entries blocked by risk limits")
	ErrEntryInFlight     = errors.New("entry already in flight for symbol")
	ErrPositionExists    = errors.New("exchange position already open")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrInvalidTransition = errors.New("invalid trade state transition")
	ErrZeroQuantity      = errors.New("order quantity rounds to zero")
	ErrNoPosition        = errors.New("no open position on exchange")
)
