package currency

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/model"
)

type fakeToken struct {
	decimals     uint8
	symbol       string
	bytes32      bool
	failDecimals bool
}

type fakeCaller struct {
	mu     sync.Mutex
	tokens map[common.Address]fakeToken
	calls  int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	tok, ok := f.tokens[*msg.To]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	stringABI, _ := erc20StringABI()
	bytes32ABI, _ := erc20Bytes32ABI()

	switch {
	case bytes.Equal(msg.Data[:4], stringABI.Methods["decimals"].ID):
		if tok.failDecimals {
			return nil, errors.New("execution reverted")
		}
		return stringABI.Methods["decimals"].Outputs.Pack(tok.decimals)
	case bytes.Equal(msg.Data[:4], stringABI.Methods["symbol"].ID):
		if tok.bytes32 {
			var raw [32]byte
			copy(raw[:], tok.symbol)
			return bytes32ABI.Methods["symbol"].Outputs.Pack(raw)
		}
		return stringABI.Methods["symbol"].Outputs.Pack(tok.symbol)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	usdx   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	legacy = common.HexToAddress("0x5555555555555555555555555555555555555555")
	broken = common.HexToAddress("0xabcdef0000000000000000000000000000000000")
)

func newFakeCaller() *fakeCaller {
	return &fakeCaller{tokens: map[common.Address]fakeToken{
		usdx:   {decimals: 6, symbol: "USDX"},
		legacy: {decimals: 8, symbol: "OLDT", bytes32: true},
	}}
}

func TestResolveNative(t *testing.T) {
	r := NewResolver(nil, "", nil)
	info := r.ResolveNative()
	assert.True(t, info.Native)
	assert.Equal(t, DefaultNativeSymbol, info.Symbol)
	assert.Equal(t, uint8(18), info.Decimals)

	info, err := r.Resolve(context.Background(), model.RawEvent{Kind: model.KindNativeContribution})
	require.NoError(t, err)
	assert.Equal(t, "MON", info.Symbol)
}

func TestResolveTokenCaches(t *testing.T) {
	caller := newFakeCaller()
	r := NewResolver(caller, "ETH", nil)

	info, err := r.ResolveToken(context.Background(), usdx)
	require.NoError(t, err)
	assert.Equal(t, "USDX", info.Symbol)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.Equal(t, usdx, info.Token)

	calls := caller.count()
	_, err = r.ResolveToken(context.Background(), usdx)
	require.NoError(t, err)
	assert.Equal(t, calls, caller.count(), "second lookup should be served from cache")
}

func TestResolveTokenBytes32Symbol(t *testing.T) {
	r := NewResolver(newFakeCaller(), "", nil)

	info, err := r.ResolveToken(context.Background(), legacy)
	require.NoError(t, err)
	assert.Equal(t, "OLDT", info.Symbol)
	assert.Equal(t, uint8(8), info.Decimals)
}

func TestResolveTokenFallback(t *testing.T) {
	caller := newFakeCaller()
	r := NewResolver(caller, "", nil)

	info, err := r.ResolveToken(context.Background(), broken)
	require.ErrorIs(t, err, ErrUnresolvedToken)
	assert.Equal(t, "0XABCD", info.Symbol)
	assert.Equal(t, uint8(18), info.Decimals)

	// Failures are retried on the next lookup.
	calls := caller.count()
	_, err = r.ResolveToken(context.Background(), broken)
	require.ErrorIs(t, err, ErrUnresolvedToken)
	assert.Greater(t, caller.count(), calls)
}

func TestResolveTokenDecimalsFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.tokens[broken] = fakeToken{symbol: "BRK", failDecimals: true}
	r := NewResolver(caller, "", nil)

	info, err := r.ResolveToken(context.Background(), broken)
	require.ErrorIs(t, err, ErrUnresolvedToken)
	assert.Equal(t, Fallback(broken), info)
}

func TestTruncateSymbol(t *testing.T) {
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", truncateSymbol("ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	assert.Equal(t, "USDC", truncateSymbol(" USDC "))
}

func TestNormalizeExact(t *testing.T) {
	got := Normalize(big.NewInt(1_500_000), 6)
	assert.True(t, got.Equal(decimal.RequireFromString("1.5")), "got %s", got)
	assert.Equal(t, "1.5", got.String())

	wei, ok := new(big.Int).SetString("2000000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "2", Normalize(wei, 18).String())

	oneWei := Normalize(big.NewInt(1), 18)
	assert.Equal(t, "0.000000000000000001", oneWei.String())

	assert.True(t, Normalize(nil, 6).IsZero())
	assert.Equal(t, "42", Normalize(big.NewInt(42), 0).String())
}
