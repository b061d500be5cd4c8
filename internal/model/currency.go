package model

import "github.com/ethereum/go-ethereum/common"

// NativeDecimals is the fixed precision of the chain's base unit.
const NativeDecimals uint8 = 18

// CurrencyInfo describes how to display a contribution amount.
type CurrencyInfo struct {
	Token    common.Address `json:"token"`
	Native   bool           `json:"native"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}
