package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledgersync/internal/model"
)

type offeringsFile struct {
	Offerings []offeringEntry `yaml:"offerings"`
}

type offeringEntry struct {
	ID      int64  `yaml:"id"`
	Name    string `yaml:"name"`
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"contract_address"`
	Goal    string `yaml:"goal"`
}

// StaticRegistry serves a fixed offering list.
type StaticRegistry struct {
	offerings []model.Offering
}

func NewStaticRegistry(offerings []model.Offering) (*StaticRegistry, error) {
	if err := ValidateOfferings(offerings); err != nil {
		return nil, err
	}
	out := make([]model.Offering, len(offerings))
	copy(out, offerings)
	return &StaticRegistry{offerings: out}, nil
}

// LoadOfferingsFile reads offerings from YAML:
//
//	offerings:
//	  - id: 1
//	    name: Lisbon Loft
//	    symbol: LSBN
//	    contract_address: "0x..."
//	    goal: "250000"
func LoadOfferingsFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offerings file: %w", err)
	}
	var doc offeringsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse offerings file: %w", err)
	}

	offerings := make([]model.Offering, 0, len(doc.Offerings))
	for i, entry := range doc.Offerings {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("offering %d: invalid contract address %q", i, entry.Address)
		}
		goal := decimal.Zero
		if entry.Goal != "" {
			goal, err = decimal.NewFromString(entry.Goal)
			if err != nil {
				return nil, fmt.Errorf("offering %d: goal: %w", i, err)
			}
		}
		offerings = append(offerings, model.Offering{
			ID:      entry.ID,
			Name:    entry.Name,
			Symbol:  entry.Symbol,
			Address: common.HexToAddress(entry.Address),
			Goal:    goal,
		})
	}
	return NewStaticRegistry(offerings)
}

func (r *StaticRegistry) ListOfferings(context.Context) ([]model.Offering, error) {
	out := make([]model.Offering, len(r.offerings))
	copy(out, r.offerings)
	return out, nil
}
