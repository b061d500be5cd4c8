package aggregate

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ledgersync/internal/model"
)

func TestSummarize(t *testing.T) {
	offering := model.Offering{
		ID:      3,
		Symbol:  "LSBN",
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Goal:    decimal.NewFromInt(10),
	}
	rows := []model.Investment{
		{ID: 1, UserID: 7, OfferingID: 3, Amount: decimal.RequireFromString("1.5"), Currency: "MON", BlockNumber: 120},
		{ID: 2, UserID: 8, OfferingID: 3, Amount: decimal.RequireFromString("2.5"), Currency: "MON", BlockNumber: 100},
		{ID: 3, UserID: 7, OfferingID: 3, Amount: decimal.RequireFromString("500"), Currency: "USDC", BlockNumber: 140},
	}

	s, err := Summarize(offering, "MON", rows)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Investors != 2 || s.Contributions != 3 {
		t.Fatalf("unexpected counts: investors=%d contributions=%d", s.Investors, s.Contributions)
	}
	if s.FirstBlock != 100 || s.LastBlock != 140 {
		t.Fatalf("unexpected block span: %d-%d", s.FirstBlock, s.LastBlock)
	}
	if len(s.Currencies) != 2 || s.Currencies[0].Currency != "MON" || s.Currencies[1].Currency != "USDC" {
		t.Fatalf("unexpected currencies: %+v", s.Currencies)
	}
	if !s.Currencies[0].Amount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected MON total: %s", s.Currencies[0].Amount)
	}
	if !s.Progress.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("unexpected progress: %s", s.Progress)
	}
}

func TestSummarizeNoGoal(t *testing.T) {
	offering := model.Offering{ID: 1, Symbol: "PRTO"}
	rows := []model.Investment{{ID: 1, UserID: 1, OfferingID: 1, Amount: decimal.NewFromInt(5), Currency: "MON", BlockNumber: 9}}

	s, err := Summarize(offering, "MON", rows)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !s.Progress.IsZero() {
		t.Fatalf("expected zero progress, got %s", s.Progress)
	}
}

func TestSummarizeRejectsForeignRow(t *testing.T) {
	offering := model.Offering{ID: 1}
	rows := []model.Investment{{ID: 9, OfferingID: 2, Amount: decimal.NewFromInt(1), Currency: "MON"}}

	if _, err := Summarize(offering, "MON", rows); err == nil {
		t.Fatalf("expected error for row of another offering")
	}
}
