package contract

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ledgersync/internal/model"
)

// ErrDecode marks a log whose layout does not match its event signature.
var ErrDecode = errors.New("decode contribution log")

// Decode converts a raw log into a RawEvent for offeringID.
func (s *Schema) Decode(log types.Log, offeringID int64) (model.RawEvent, error) {
	if len(log.Topics) == 0 {
		return model.RawEvent{}, decodeErr(log, "missing topics")
	}
	kind, ok := s.byTopic[log.Topics[0]]
	if !ok {
		return model.RawEvent{}, decodeErr(log, fmt.Sprintf("unsupported topic0 %s", log.Topics[0].Hex()))
	}
	event := s.events[kind]

	indexed := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return model.RawEvent{}, decodeErr(log, fmt.Sprintf("expected %d topics, got %d", len(indexed)+1, len(log.Topics)))
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return model.RawEvent{}, decodeErr(log, fmt.Sprintf("parse topics: %v", err))
		}
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return model.RawEvent{}, decodeErr(log, fmt.Sprintf("unpack %s: %v", event.Name, err))
	}

	investor, err := asAddress(values["investor"])
	if err != nil {
		return model.RawEvent{}, decodeErr(log, fmt.Sprintf("investor: %v", err))
	}
	amount, err := asBigInt(values["amount"])
	if err != nil {
		return model.RawEvent{}, decodeErr(log, fmt.Sprintf("amount: %v", err))
	}

	ev := model.RawEvent{
		OfferingID:  offeringID,
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Investor:    investor,
		Amount:      amount,
	}
	if kind == model.KindTokenContribution {
		token, err := asAddress(values["token"])
		if err != nil {
			return model.RawEvent{}, decodeErr(log, fmt.Sprintf("token: %v", err))
		}
		ev.Token = token
	}
	return ev, nil
}

func decodeErr(log types.Log, reason string) error {
	return fmt.Errorf("%w: tx %s log %d: %s", ErrDecode, log.TxHash.Hex(), log.Index, reason)
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("nil address")
		}
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		if v.Sign() < 0 {
			return nil, fmt.Errorf("negative amount %s", v)
		}
		return new(big.Int).Set(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
