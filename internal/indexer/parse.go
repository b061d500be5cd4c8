package indexer

import (
	"fmt"
	"strconv"
	"strings"

	"ledgersync/internal/model"
)

// ParseOfferingIDs converts operator-supplied ids, skipping blanks.
func ParseOfferingIDs(inputs []string) ([]int64, error) {
	ids := make([]int64, 0, len(inputs))
	for _, input := range inputs {
		for _, part := range strings.Split(input, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid offering id: %s", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SelectOfferings keeps the offerings whose ids are listed. Unknown ids are an
// error so a typo does not silently select nothing.
func SelectOfferings(all []model.Offering, ids []int64) ([]model.Offering, error) {
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[int64]model.Offering, len(all))
	for _, o := range all {
		byID[o.ID] = o
	}
	out := make([]model.Offering, 0, len(ids))
	for _, id := range ids {
		o, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("offering %d not found", id)
		}
		out = append(out, o)
	}
	return out, nil
}
