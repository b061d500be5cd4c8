package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ledgersync/internal/model"
)

var (
	// ErrMissingUser is returned when an investment without a user is
	// offered to the ledger. Unknown wallets are dropped before this point.
	ErrMissingUser = errors.New("investment has no user")
	// ErrDuplicateOffering reports two offerings sharing a contract address.
	ErrDuplicateOffering = errors.New("duplicate offering contract address")
)

// RecordResult tells whether Record created a row.
type RecordResult int

const (
	Inserted RecordResult = iota + 1
	AlreadyExists
)

func (r RecordResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Ledger persists investments, at most one per transaction hash.
type Ledger interface {
	Record(ctx context.Context, inv model.Investment) (RecordResult, error)
	ListByOffering(ctx context.Context, offeringID int64) ([]model.Investment, error)
	// LatestBlock returns the highest block recorded for an offering.
	LatestBlock(ctx context.Context, offeringID int64) (uint64, bool, error)
}

// CursorStore keeps the last reconciled block per offering. Save never moves
// a cursor backward; Reset is the only way to do that.
type CursorStore interface {
	Load(ctx context.Context, offeringID int64) (model.SyncCursor, bool, error)
	Save(ctx context.Context, offeringID int64, block uint64) error
	Reset(ctx context.Context, offeringID int64) error
}

// OfferingRegistry lists the offerings to synchronize.
type OfferingRegistry interface {
	ListOfferings(ctx context.Context) ([]model.Offering, error)
}

// Backend is a database that serves every persistence role at once.
type Backend interface {
	Ledger
	CursorStore
	OfferingRegistry
	LookupWallet(ctx context.Context, wallet string) (model.UserRef, bool, error)
	ImportOfferings(ctx context.Context, offerings []model.Offering) error
	Migrate(ctx context.Context) error
	Close() error
}

// ValidateInvestment checks the fields every backend relies on.
func ValidateInvestment(inv model.Investment) error {
	if inv.UserID == 0 {
		return ErrMissingUser
	}
	if inv.TxHash == "" {
		return fmt.Errorf("investment has no tx hash")
	}
	if inv.Amount.IsNegative() {
		return fmt.Errorf("investment amount is negative: %s", inv.Amount)
	}
	return nil
}

// ValidateOfferings enforces unique ids and case-insensitively unique
// contract addresses.
func ValidateOfferings(offerings []model.Offering) error {
	ids := make(map[int64]struct{}, len(offerings))
	addrs := make(map[string]int64, len(offerings))
	for _, o := range offerings {
		if _, ok := ids[o.ID]; ok {
			return fmt.Errorf("offering id %d listed twice", o.ID)
		}
		ids[o.ID] = struct{}{}

		key := strings.ToLower(o.Address.Hex())
		if prev, ok := addrs[key]; ok {
			return fmt.Errorf("%w: %s used by offerings %d and %d", ErrDuplicateOffering, key, prev, o.ID)
		}
		addrs[key] = o.ID
	}
	return nil
}
