package indexer

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"ledgersync/internal/currency"
	"ledgersync/internal/model"
)

// Normalize turns a decoded event and its currency into the canonical
// contribution. The investor is lower-cased; User is left for identity
// resolution.
func Normalize(ev model.RawEvent, cur model.CurrencyInfo) model.IngestedContribution {
	return model.IngestedContribution{
		OfferingID:  ev.OfferingID,
		Investor:    strings.ToLower(ev.Investor.Hex()),
		Amount:      currency.Normalize(ev.Amount, cur.Decimals),
		Currency:    cur.Symbol,
		TxHash:      strings.ToLower(ev.TxHash.Hex()),
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
	}
}

func buildInvestment(c model.IngestedContribution) model.Investment {
	inv := model.Investment{
		OfferingID:  c.OfferingID,
		Amount:      c.Amount,
		Currency:    c.Currency,
		TxHash:      c.TxHash,
		BlockNumber: c.BlockNumber,
	}
	if c.User != nil {
		inv.UserID = c.User.ID
	}
	return inv
}

func buildDecodeError(offeringID int64, log types.Log, err error, observedAt time.Time) model.DecodeError {
	rec := model.DecodeError{
		Type:        "decode_error",
		OfferingID:  offeringID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Error:       err.Error(),
		ObservedAt:  observedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(log.Topics) > 0 {
		rec.Topic0 = log.Topics[0].Hex()
	}
	return rec
}
