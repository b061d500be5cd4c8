package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ledgersync/internal/contract"
	"ledgersync/internal/currency"
	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

var (
	offeringAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	aliceWallet  = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bobWallet    = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	usdxToken    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testOffering = model.Offering{ID: 1, Symbol: "LSBN", Address: offeringAddr}
)

func testSchema(t *testing.T) *contract.Schema {
	t.Helper()
	parsed, err := contract.LoadABI("")
	if err != nil {
		t.Fatalf("load abi: %v", err)
	}
	schema, err := contract.NewSchema(parsed)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return schema
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func txHash(block uint64, index uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index) + 1))
}

func nativeLog(schema *contract.Schema, block uint64, index uint, investor common.Address, amount *big.Int) types.Log {
	return types.Log{
		Address:     offeringAddr,
		Topics:      []common.Hash{schema.Topic(model.KindNativeContribution), addrTopic(investor)},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: block,
		TxHash:      txHash(block, index),
		Index:       index,
	}
}

func tokenLog(schema *contract.Schema, block uint64, index uint, investor, token common.Address, amount *big.Int) types.Log {
	return types.Log{
		Address: offeringAddr,
		Topics: []common.Hash{
			schema.Topic(model.KindTokenContribution),
			addrTopic(investor),
			addrTopic(token),
		},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: block,
		TxHash:      txHash(block, index),
		Index:       index,
	}
}

// fakeSource serves logs from memory and can fail selected ranges.
type fakeSource struct {
	mu    sync.Mutex
	logs  []types.Log
	fail  func(from, to uint64) error
	hook  func(from, to uint64)
	calls []BlockRange
}

func (f *fakeSource) FetchLogs(_ context.Context, address common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	f.calls = append(f.calls, BlockRange{From: from, To: to})
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(from, to)
	}
	if f.fail != nil {
		if err := f.fail(from, to); err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, log := range f.logs {
		if log.Address != address || log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(topics) > 0 && (len(log.Topics) == 0 || log.Topics[0] != topics[0]) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// memLedger enforces tx hash uniqueness like the SQL backends.
type memLedger struct {
	mu   sync.Mutex
	rows []model.Investment
	seen map[string]struct{}
}

func newMemLedger() *memLedger {
	return &memLedger{seen: make(map[string]struct{})}
}

func (l *memLedger) Record(_ context.Context, inv model.Investment) (storage.RecordResult, error) {
	if err := storage.ValidateInvestment(inv); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[inv.TxHash]; ok {
		return storage.AlreadyExists, nil
	}
	l.seen[inv.TxHash] = struct{}{}
	inv.ID = int64(len(l.rows) + 1)
	l.rows = append(l.rows, inv)
	return storage.Inserted, nil
}

func (l *memLedger) ListByOffering(_ context.Context, offeringID int64) ([]model.Investment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Investment
	for _, row := range l.rows {
		if row.OfferingID == offeringID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (l *memLedger) LatestBlock(_ context.Context, offeringID int64) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		latest uint64
		found  bool
	)
	for _, row := range l.rows {
		if row.OfferingID == offeringID && row.BlockNumber >= latest {
			latest = row.BlockNumber
			found = true
		}
	}
	return latest, found, nil
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// flakyCursors fails every Save while broken is set.
type flakyCursors struct {
	storage.CursorStore
	broken bool
}

func (f *flakyCursors) Save(ctx context.Context, offeringID int64, block uint64) error {
	if f.broken {
		return errors.New("disk full")
	}
	return f.CursorStore.Save(ctx, offeringID, block)
}

type staticIdentity map[string]model.UserRef

func (s staticIdentity) Resolve(_ context.Context, wallet string) (model.UserRef, bool, error) {
	user, ok := s[wallet]
	return user, ok, nil
}

type brokenIdentity struct{}

func (brokenIdentity) Resolve(context.Context, string) (model.UserRef, bool, error) {
	return model.UserRef{}, false, errors.New("directory unavailable")
}

// staticCurrency knows one token; others fall back.
type staticCurrency struct{}

func (staticCurrency) Resolve(_ context.Context, ev model.RawEvent) (model.CurrencyInfo, error) {
	if ev.Kind == model.KindNativeContribution {
		return model.CurrencyInfo{Native: true, Symbol: "MON", Decimals: 18}, nil
	}
	if ev.Token == usdxToken {
		return model.CurrencyInfo{Token: usdxToken, Symbol: "USDX", Decimals: 6}, nil
	}
	return currency.Fallback(ev.Token), currency.ErrUnresolvedToken
}

type memAudit struct {
	mu     sync.Mutex
	gaps   []model.GapSkip
	decode []model.DecodeError
}

func (a *memAudit) RecordGapSkip(skip model.GapSkip) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gaps = append(a.gaps, skip)
	return nil
}

func (a *memAudit) RecordDecodeError(rec model.DecodeError) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decode = append(a.decode, rec)
	return nil
}

type harness struct {
	schema  *contract.Schema
	source  *fakeSource
	ledger  *memLedger
	cursors *flakyCursors
	audit   *memAudit
	scanner *Scanner
}

func newHarness(t *testing.T, windowSize uint64, identity IdentityResolver) *harness {
	t.Helper()
	h := &harness{
		schema:  testSchema(t),
		source:  &fakeSource{},
		ledger:  newMemLedger(),
		cursors: &flakyCursors{CursorStore: NewFileCursorStore(t.TempDir() + "/cursors.json")},
		audit:   &memAudit{},
	}
	if identity == nil {
		identity = staticIdentity{
			"0xa11ce00000000000000000000000000000000001": {ID: 1, Username: "alice"},
		}
	}
	pipeline := NewPipeline(h.schema, staticCurrency{}, identity, h.ledger, h.audit, nil)
	h.scanner = NewScanner(ScannerConfig{WindowSize: windowSize}, h.source, pipeline, h.cursors, h.audit, nil)
	return h
}

func (h *harness) cursor(t *testing.T) uint64 {
	t.Helper()
	cur, _, err := h.cursors.Load(context.Background(), testOffering.ID)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	return cur.LastBlock
}

// countingCurrency records how many lookups reached it.
type countingCurrency struct {
	staticCurrency
	calls int
}

func (c *countingCurrency) Resolve(ctx context.Context, ev model.RawEvent) (model.CurrencyInfo, error) {
	c.calls++
	return c.staticCurrency.Resolve(ctx, ev)
}
