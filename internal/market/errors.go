package market

import (
	"errors"
	"fmt"
)

// ErrUnknownSymbol - для символа нет истории
var ErrUnknownSymbol = errors.New("unknown symbol")

func errInvalidInterval(interval string) error {
	return fmt.Errorf("invalid kline interval %q", interval)
}
