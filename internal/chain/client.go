package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ledgersync/internal/metrics"
)

// Options tune how the client talks to the endpoint.
type Options struct {
	// RequestTimeout bounds every single RPC call.
	RequestTimeout time.Duration
	// DialTimeout bounds the total time spent connecting at startup.
	DialTimeout time.Duration
	// RPS limits outgoing requests per second; zero disables the limiter.
	RPS   float64
	Burst int
}

// Client wraps go-ethereum RPC with timeouts, rate limiting and error
// classification.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	push      bool
	endpoint  string
}

// Dial connects to rpcURL and probes the chain height. Connection attempts
// are retried with exponential backoff until opts.DialTimeout elapses, after
// which ErrUnreachableSource is returned.
func Dial(ctx context.Context, rpcURL string, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: empty rpc url", ErrUnreachableSource)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var rpcClient *rpc.Client
	operation := func() error {
		c, err := rpc.DialContext(ctx, rpcURL)
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := ethclient.NewClient(c).BlockNumber(probeCtx); err != nil {
			c.Close()
			return err
		}
		rpcClient = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.DialTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 30 * time.Second
	}

	attempts := 0
	notify := func(err error, next time.Duration) {
		attempts++
		logger.Warn("rpc dial failed, retrying",
			zap.String("endpoint", RedactURL(rpcURL)),
			zap.Int("attempt", attempts),
			zap.Duration("next_retry_in", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachableSource, RedactURL(rpcURL), err)
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		limiter:   limiter,
		timeout:   timeout,
		push:      supportsPush(rpcURL),
		endpoint:  RedactURL(rpcURL),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Endpoint returns the redacted endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SupportsSubscriptions reports whether the transport can push logs.
func (c *Client) SupportsSubscriptions() bool {
	return c.push
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		height, err = c.ethClient.BlockNumber(ctx)
		return err
	})
	return height, err
}

// FetchLogs returns logs emitted by address in [fromBlock, toBlock] whose
// topic0 is one of topics.
func (c *Client) FetchLogs(
	ctx context.Context,
	address common.Address,
	topics []common.Hash,
	fromBlock uint64,
	toBlock uint64,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
	}
	if len(topics) > 0 {
		query.Topics = [][]common.Hash{topics}
	}

	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.ethClient.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// CallContract performs an eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.ethClient.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

// SubscribeLogs opens a push subscription for new logs matching addresses and
// topics. Providers only deliver logs mined after the call, so callers catch
// up with FetchLogs first. It fails with rpc.ErrNotificationsUnsupported on
// HTTP transports.
func (c *Client) SubscribeLogs(
	ctx context.Context,
	addresses []common.Address,
	topics []common.Hash,
	ch chan<- types.Log,
) (ethereum.Subscription, error) {
	if !c.push {
		return nil, rpc.ErrNotificationsUnsupported
	}
	query := ethereum.FilterQuery{
		Addresses: addresses,
		Topics:    [][]common.Hash{topics},
	}
	sub, err := c.ethClient.SubscribeFilterLogs(ctx, query, ch)
	metrics.RPCCallsTotal.WithLabelValues("eth_subscribe", StatusLabel(Classify(err))).Inc()
	if err != nil {
		return nil, Classify(err)
	}
	return sub, nil
}

// do runs one RPC call under the limiter and the per-request timeout. No lock
// is held while the call is in flight.
func (c *Client) do(ctx context.Context, method string, fn func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Classify(err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() != nil {
		// The caller stopped us; this is not a source failure.
		return ctx.Err()
	}
	err = Classify(err)
	metrics.RPCCallsTotal.WithLabelValues(method, StatusLabel(err)).Inc()
	return err
}

func supportsPush(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		return true
	}
	return !strings.Contains(lower, "://")
}

// RedactURL strips credentials and path segments that commonly carry API keys.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.User = nil
	if u.Path != "" && u.Path != "/" {
		u.Path = "/***"
	}
	u.RawQuery = ""
	return u.String()
}
