package aggregate

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"ledgersync/internal/model"
)

// CurrencyTotal is the amount raised in one currency.
type CurrencyTotal struct {
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Contributions int             `json:"contributions"`
}

// Summary is the funding state of one offering as recorded in the ledger.
type Summary struct {
	OfferingID int64           `json:"offering_id"`
	Offering   string          `json:"offering"`
	Goal       decimal.Decimal `json:"goal"`
	// Progress is the goal currency total divided by Goal; zero without a goal.
	Progress      decimal.Decimal `json:"progress"`
	Investors     int             `json:"investors"`
	Contributions int             `json:"contributions"`
	FirstBlock    uint64          `json:"first_block"`
	LastBlock     uint64          `json:"last_block"`
	Currencies    []CurrencyTotal `json:"currencies"`
}

// Accumulator folds ledger rows of a single offering into a Summary.
type Accumulator struct {
	offering     model.Offering
	goalCurrency string
	totals       map[string]*CurrencyTotal
	investors    map[int64]struct{}
	count        int
	firstBlock   uint64
	lastBlock    uint64
}

// NewAccumulator starts a summary for offering. Goal progress is measured in
// goalCurrency, normally the chain's native symbol.
func NewAccumulator(offering model.Offering, goalCurrency string) *Accumulator {
	return &Accumulator{
		offering:     offering,
		goalCurrency: goalCurrency,
		totals:       make(map[string]*CurrencyTotal),
		investors:    make(map[int64]struct{}),
	}
}

func (a *Accumulator) Add(inv model.Investment) error {
	if inv.OfferingID != a.offering.ID {
		return fmt.Errorf("investment %d belongs to offering %d, not %d", inv.ID, inv.OfferingID, a.offering.ID)
	}
	total, ok := a.totals[inv.Currency]
	if !ok {
		total = &CurrencyTotal{Currency: inv.Currency, Amount: decimal.Zero}
		a.totals[inv.Currency] = total
	}
	total.Amount = total.Amount.Add(inv.Amount)
	total.Contributions++

	a.investors[inv.UserID] = struct{}{}
	a.count++
	if a.firstBlock == 0 || inv.BlockNumber < a.firstBlock {
		a.firstBlock = inv.BlockNumber
	}
	if inv.BlockNumber > a.lastBlock {
		a.lastBlock = inv.BlockNumber
	}
	return nil
}

func (a *Accumulator) Summary() Summary {
	s := Summary{
		OfferingID:    a.offering.ID,
		Offering:      a.offering.Key(),
		Goal:          a.offering.Goal,
		Progress:      decimal.Zero,
		Investors:     len(a.investors),
		Contributions: a.count,
		FirstBlock:    a.firstBlock,
		LastBlock:     a.lastBlock,
		Currencies:    make([]CurrencyTotal, 0, len(a.totals)),
	}
	for _, total := range a.totals {
		s.Currencies = append(s.Currencies, *total)
	}
	sort.Slice(s.Currencies, func(i, j int) bool {
		return s.Currencies[i].Currency < s.Currencies[j].Currency
	})
	if raised, ok := a.totals[a.goalCurrency]; ok && a.offering.Goal.IsPositive() {
		s.Progress = raised.Amount.DivRound(a.offering.Goal, 4)
	}
	return s
}

// Summarize builds the summary for one offering from its ledger rows.
func Summarize(offering model.Offering, goalCurrency string, rows []model.Investment) (Summary, error) {
	acc := NewAccumulator(offering, goalCurrency)
	for _, row := range rows {
		if err := acc.Add(row); err != nil {
			return Summary{}, err
		}
	}
	return acc.Summary(), nil
}
