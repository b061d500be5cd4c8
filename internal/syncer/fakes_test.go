package syncer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/contract"
	"ledgersync/internal/currency"
	"ledgersync/internal/identity"
	"ledgersync/internal/indexer"
	"ledgersync/internal/model"
	"ledgersync/internal/storage"
	"ledgersync/internal/storage/sqlite"
)

var (
	lisbon = model.Offering{ID: 1, Name: "Lisbon Loft", Symbol: "LSBN", Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), Goal: decimal.NewFromInt(1000)}
	porto  = model.Offering{ID: 2, Name: "Porto Flat", Symbol: "PRTO", Address: common.HexToAddress("0x2222222222222222222222222222222222222222"), Goal: decimal.NewFromInt(500)}
	alice  = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
)

type fakeSub struct {
	ch   chan<- types.Log
	errc chan error
	once sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errc) })
}

type fakeChain struct {
	mu        sync.Mutex
	tip       uint64
	logs      []types.Log
	heightErr error
	fetchFail func(address common.Address, from, to uint64) error
	push      bool
	subs      chan *fakeSub
	closed    bool
}

func newFakeChain(tip uint64) *fakeChain {
	return &fakeChain{tip: tip, subs: make(chan *fakeSub, 4)}
}

func (f *fakeChain) setTip(tip uint64) {
	f.mu.Lock()
	f.tip = tip
	f.mu.Unlock()
}

func (f *fakeChain) addLogs(logs ...types.Log) {
	f.mu.Lock()
	f.logs = append(f.logs, logs...)
	f.mu.Unlock()
}

func (f *fakeChain) setFetchFail(fn func(address common.Address, from, to uint64) error) {
	f.mu.Lock()
	f.fetchFail = fn
	f.mu.Unlock()
}

func (f *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.tip, nil
}

func (f *fakeChain) FetchLogs(_ context.Context, address common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchFail != nil {
		if err := f.fetchFail(address, from, to); err != nil {
			return nil, err
		}
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.Address != address || log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(topics) > 0 && log.Topics[0] != topics[0] {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (f *fakeChain) SupportsSubscriptions() bool { return f.push }

func (f *fakeChain) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub := &fakeSub{ch: ch, errc: make(chan error, 1)}
	f.subs <- sub
	return sub, nil
}

func (f *fakeChain) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeChain) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type env struct {
	schema *contract.Schema
	chain  *fakeChain
	store  *sqlite.Store
	audit  *storage.AuditLog
	// auditPath is the JSONL file behind audit.
	auditPath string
	orch      *Orchestrator
}

func newEnv(t *testing.T, tip uint64, cfg Config) *env {
	t.Helper()
	ctx := context.Background()

	parsed, err := contract.LoadABI("")
	require.NoError(t, err)
	schema, err := contract.NewSchema(parsed)
	require.NoError(t, err)

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.ImportOfferings(ctx, []model.Offering{lisbon, porto}))

	dir, err := identity.NewStaticDirectory(map[string]model.UserRef{
		alice.Hex(): {ID: 7, Username: "alice"},
	})
	require.NoError(t, err)

	auditPath := t.TempDir() + "/audit.jsonl"
	audit := storage.NewAuditLog(auditPath)
	pipeline := indexer.NewPipeline(
		schema,
		currency.NewResolver(nil, "", nil),
		identity.NewResolver(dir, nil),
		store,
		audit,
		nil,
	)

	fc := newFakeChain(tip)
	orch, err := New(cfg, Deps{
		Chain:    fc,
		Registry: store,
		Cursors:  store,
		Ledger:   store,
		Pipeline: pipeline,
		Audit:    audit,
	})
	require.NoError(t, err)

	return &env{schema: schema, chain: fc, store: store, audit: audit, auditPath: auditPath, orch: orch}
}

func (e *env) contribution(off model.Offering, block uint64, index uint, amount int64) types.Log {
	return types.Log{
		Address: off.Address,
		Topics: []common.Hash{
			e.schema.Topic(model.KindNativeContribution),
			common.BytesToHash(common.LeftPadBytes(alice.Bytes(), 32)),
		},
		Data:        common.LeftPadBytes(new(big.Int).Mul(big.NewInt(amount), big.NewInt(1e18)).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(uint64(off.ID)<<32 | block<<8 | uint64(index))),
		Index:       index,
	}
}

func (e *env) rows(t *testing.T, off model.Offering) []model.Investment {
	t.Helper()
	rows, err := e.store.ListByOffering(context.Background(), off.ID)
	require.NoError(t, err)
	return rows
}

func (e *env) cursor(t *testing.T, off model.Offering) uint64 {
	t.Helper()
	cur, _, err := e.store.Load(context.Background(), off.ID)
	require.NoError(t, err)
	return cur.LastBlock
}

func waitSub(t *testing.T, fc *fakeChain) *fakeSub {
	t.Helper()
	select {
	case sub := <-fc.subs:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not opened")
		return nil
	}
}
