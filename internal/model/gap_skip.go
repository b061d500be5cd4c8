package model

// GapSkip records a block the scanner gave up on after shrinking to a
// single-block window. Re-running a bounded backfill over Block repairs it.
type GapSkip struct {
	Type       string `json:"type"`
	OfferingID int64  `json:"offering_id"`
	Address    string `json:"address"`
	Block      uint64 `json:"block"`
	Reason     string `json:"reason"`
	ObservedAt string `json:"observed_at"`
}
