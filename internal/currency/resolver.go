package currency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ledgersync/internal/metrics"
	"ledgersync/internal/model"
)

// ErrUnresolvedToken is returned when token metadata cannot be read. The
// accompanying CurrencyInfo is a usable fallback.
var ErrUnresolvedToken = errors.New("unresolved token")

// MaxSymbolLength matches the ledger's currency column.
const MaxSymbolLength = 20

// DefaultNativeSymbol is used when no native symbol is configured.
const DefaultNativeSymbol = "MON"

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// Resolver maps token addresses to display metadata, caching successful
// lookups for its lifetime.
type Resolver struct {
	caller       ContractCaller
	nativeSymbol string
	logger       *zap.Logger

	mu    sync.RWMutex
	cache map[common.Address]model.CurrencyInfo
}

func NewResolver(caller ContractCaller, nativeSymbol string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nativeSymbol == "" {
		nativeSymbol = DefaultNativeSymbol
	}
	return &Resolver{
		caller:       caller,
		nativeSymbol: nativeSymbol,
		logger:       logger,
		cache:        make(map[common.Address]model.CurrencyInfo),
	}
}

// ResolveNative describes the chain's base unit. It never touches the network.
func (r *Resolver) ResolveNative() model.CurrencyInfo {
	return model.CurrencyInfo{
		Native:   true,
		Symbol:   r.nativeSymbol,
		Decimals: model.NativeDecimals,
	}
}

// Resolve picks the currency for a decoded event.
func (r *Resolver) Resolve(ctx context.Context, ev model.RawEvent) (model.CurrencyInfo, error) {
	if ev.Kind == model.KindNativeContribution {
		return r.ResolveNative(), nil
	}
	return r.ResolveToken(ctx, ev.Token)
}

// ResolveToken reads symbol and decimals from an ERC-20 contract. On failure
// it returns Fallback(token) together with an error wrapping
// ErrUnresolvedToken; failures are not cached.
func (r *Resolver) ResolveToken(ctx context.Context, token common.Address) (model.CurrencyInfo, error) {
	r.mu.RLock()
	info, ok := r.cache[token]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	info, err := r.fetch(ctx, token)
	if err != nil {
		metrics.UnresolvedTokens.Inc()
		r.logger.Warn("token metadata lookup failed",
			zap.String("token", token.Hex()),
			zap.Error(err),
		)
		return Fallback(token), fmt.Errorf("%w %s: %v", ErrUnresolvedToken, token.Hex(), err)
	}

	r.mu.Lock()
	r.cache[token] = info
	r.mu.Unlock()
	return info, nil
}

// Fallback is the metadata used when a token cannot be queried: the upper-cased
// address prefix as symbol and 18 decimals.
func Fallback(token common.Address) model.CurrencyInfo {
	return model.CurrencyInfo{
		Token:    token,
		Symbol:   strings.ToUpper(token.Hex())[:6],
		Decimals: 18,
	}
}

func (r *Resolver) fetch(ctx context.Context, token common.Address) (model.CurrencyInfo, error) {
	info := model.CurrencyInfo{Token: token}
	if r.caller == nil {
		return info, fmt.Errorf("contract caller is nil")
	}

	stringABI, err := erc20StringABI()
	if err != nil {
		return info, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20Bytes32ABI()
	if err != nil {
		return info, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := r.call(ctx, token, "decimals", stringABI)
	if err != nil {
		return info, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return info, fmt.Errorf("decimals: %w", err)
	}
	info.Decimals = decimals

	symbol, err := r.symbol(ctx, token, stringABI, bytes32ABI)
	if err != nil {
		return info, err
	}
	info.Symbol = truncateSymbol(symbol)
	return info, nil
}

func (r *Resolver) symbol(ctx context.Context, token common.Address, stringABI, bytes32ABI abi.ABI) (string, error) {
	values, err := r.call(ctx, token, "symbol", stringABI)
	if err == nil {
		if s, ok := values[0].(string); ok && s != "" {
			return s, nil
		}
	}
	values, err32 := r.call(ctx, token, "symbol", bytes32ABI)
	if err32 != nil {
		if err != nil {
			return "", err
		}
		return "", err32
	}
	s, ok := bytes32ToString(values[0])
	if !ok || s == "" {
		return "", fmt.Errorf("symbol: empty result")
	}
	return s, nil
}

func (r *Resolver) call(ctx context.Context, token common.Address, method string, parsed abi.ABI) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: no values", method)
	}
	return values, nil
}

func truncateSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	runes := []rune(symbol)
	if len(runes) > MaxSymbolLength {
		return string(runes[:MaxSymbolLength])
	}
	return symbol
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("out of range: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
