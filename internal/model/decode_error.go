package model

// DecodeError records a log that could not be decoded into a contribution.
type DecodeError struct {
	Type        string `json:"type"`
	OfferingID  int64  `json:"offering_id"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Topic0      string `json:"topic0"`
	Error       string `json:"error"`
	ObservedAt  string `json:"observed_at"`
}
