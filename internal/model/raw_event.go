package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a contribution event emitted by an offering contract.
type EventKind string

const (
	KindNativeContribution EventKind = "Contribution"
	KindTokenContribution  EventKind = "TokenContribution"
)

// EventKinds lists every kind the synchronizer scans for, in query order.
var EventKinds = []EventKind{KindNativeContribution, KindTokenContribution}

// RawEvent is a decoded contribution log. It is consumed once and discarded.
type RawEvent struct {
	OfferingID  int64
	Kind        EventKind
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Investor    common.Address
	Amount      *big.Int
	// Token is the zero address for native contributions.
	Token common.Address
}
