package indexer

import "fmt"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len is the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// SplitRange splits a block range into batches of size batchSize.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	start := from
	for start <= to {
		end := NextWindow(start, to, batchSize).To
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}

// NextWindow returns [current, min(current+size-1, tip)].
func NextWindow(current, tip, size uint64) BlockRange {
	if size == 0 {
		size = 1
	}
	remaining := tip - current + 1
	if current > tip || remaining <= size {
		return BlockRange{From: current, To: tip}
	}
	return BlockRange{From: current, To: current + size - 1}
}

// ShrinkWindow halves a window size, never going below one block.
func ShrinkWindow(size uint64) uint64 {
	if size <= 1 {
		return 1
	}
	return size / 2
}
