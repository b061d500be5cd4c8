package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserRef identifies an internal user that owns a wallet.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// IngestedContribution is the canonical form of a contribution before it is
// written to the ledger. User is nil until identity resolution succeeds.
type IngestedContribution struct {
	OfferingID  int64
	Investor    string
	User        *UserRef
	Amount      decimal.Decimal
	Currency    string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// Investment is a persisted ledger row. TxHash is globally unique.
type Investment struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	OfferingID  int64           `json:"offering_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Distributed bool            `json:"distributed"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	CreatedAt   time.Time       `json:"created_at"`
}
