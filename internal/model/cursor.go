package model

import "time"

// SyncCursor is the last block reconciled (inclusive) for one offering.
type SyncCursor struct {
	OfferingID int64     `json:"offering_id"`
	LastBlock  uint64    `json:"last_block"`
	UpdatedAt  time.Time `json:"updated_at"`
}
