package syncer

import "ledgersync/internal/indexer"

// OfferingReport is the outcome of one offering's scan in a pass.
type OfferingReport struct {
	OfferingID int64         `json:"offering_id"`
	Offering   string        `json:"offering"`
	From       uint64        `json:"from"`
	To         uint64        `json:"to"`
	Cursor     uint64        `json:"cursor"`
	Windows    int           `json:"windows"`
	Shrinks    int           `json:"shrinks"`
	GapSkips   []uint64      `json:"gap_skips,omitempty"`
	Stats      indexer.Stats `json:"stats"`
	Err        string        `json:"error,omitempty"`
}

// Report summarizes an orchestration pass.
type Report struct {
	RunID     string           `json:"run_id"`
	Mode      string           `json:"mode"`
	Tip       uint64           `json:"tip"`
	Offerings []OfferingReport `json:"offerings"`
	Totals    indexer.Stats    `json:"totals"`
	GapSkips  int              `json:"gap_skips"`
	Failed    int              `json:"failed"`
}
