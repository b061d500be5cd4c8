package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Offering is one fundable property contract. The registry owns it; the
// synchronizer only reads it.
type Offering struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Symbol  string          `json:"symbol"`
	Address common.Address  `json:"contract_address"`
	Goal    decimal.Decimal `json:"goal"`
}

// Key returns the label used in logs and metrics.
func (o Offering) Key() string {
	if o.Symbol != "" {
		return o.Symbol
	}
	return o.Address.Hex()
}
