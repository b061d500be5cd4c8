package currency

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Normalize divides raw by 10^decimals without leaving integer arithmetic.
func Normalize(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
