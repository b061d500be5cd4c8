package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ledgersync/internal/indexer"
	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

// ChainReader is the pull side of the data source.
type ChainReader interface {
	indexer.LogSource
	CurrentHeight(ctx context.Context) (uint64, error)
}

// PushSource additionally streams new logs as they are mined.
type PushSource interface {
	ChainReader
	SupportsSubscriptions() bool
	SubscribeLogs(ctx context.Context, addresses []common.Address, topics []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Config holds the orchestration settings shared by all modes.
type Config struct {
	WindowSize   uint64
	Workers      int
	StartBlock   uint64
	PollInterval time.Duration
	PollStep     uint64
	// RedialTimeout bounds reconnect attempts after a subscription drops.
	RedialTimeout time.Duration
	// OfferingIDs restricts every mode to these offerings when set.
	OfferingIDs []int64
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Chain    ChainReader
	Registry storage.OfferingRegistry
	Cursors  storage.CursorStore
	Ledger   storage.Ledger
	Pipeline *indexer.Pipeline
	Audit    indexer.AuditSink
	Logger   *zap.Logger
}

// Orchestrator drives the ingestion pipeline over every offering using one of
// three delivery strategies: a one-shot backfill pass, a polling loop, or a
// push subscription.
type Orchestrator struct {
	cfg      Config
	chain    ChainReader
	registry storage.OfferingRegistry
	cursors  storage.CursorStore
	ledger   storage.Ledger
	pipeline *indexer.Pipeline
	audit    indexer.AuditSink
	logger   *zap.Logger
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Chain == nil {
		return nil, fmt.Errorf("chain reader is nil")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("offering registry is nil")
	}
	if deps.Cursors == nil {
		return nil, fmt.Errorf("cursor store is nil")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = indexer.DefaultWindowSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollStep == 0 {
		cfg.PollStep = 20
	}
	if cfg.RedialTimeout <= 0 {
		cfg.RedialTimeout = time.Minute
	}
	return &Orchestrator{
		cfg:      cfg,
		chain:    deps.Chain,
		registry: deps.Registry,
		cursors:  deps.Cursors,
		ledger:   deps.Ledger,
		pipeline: deps.Pipeline,
		audit:    deps.Audit,
		logger:   deps.Logger,
	}, nil
}

func (o *Orchestrator) offerings(ctx context.Context) ([]model.Offering, error) {
	all, err := o.registry.ListOfferings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	if err := storage.ValidateOfferings(all); err != nil {
		return nil, err
	}
	return indexer.SelectOfferings(all, o.cfg.OfferingIDs)
}

func (o *Orchestrator) newScanner(src indexer.LogSource, mode string, logger *zap.Logger) *indexer.Scanner {
	return indexer.NewScanner(indexer.ScannerConfig{
		WindowSize: o.cfg.WindowSize,
		Mode:       mode,
	}, src, o.pipeline, o.cursors, o.audit, logger)
}

// Reset moves the cursors of the given offerings (all when ids is empty)
// back to zero so the next pass rescans from the first block.
func (o *Orchestrator) Reset(ctx context.Context, ids []int64) ([]model.Offering, error) {
	return ResetCursors(ctx, o.registry, o.cursors, ids, o.logger)
}

// ResetCursors is Reset without a chain connection.
func ResetCursors(ctx context.Context, registry storage.OfferingRegistry, cursors storage.CursorStore, ids []int64, logger *zap.Logger) ([]model.Offering, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	all, err := registry.ListOfferings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	targets, err := indexer.SelectOfferings(all, ids)
	if err != nil {
		return nil, err
	}
	for _, off := range targets {
		if err := cursors.Reset(ctx, off.ID); err != nil {
			return nil, fmt.Errorf("reset cursor for %s: %w", off.Key(), err)
		}
		logger.Warn("cursor reset", zap.String("offering", off.Key()), zap.Int64("offering_id", off.ID))
	}
	return targets, nil
}

// isFatal reports errors that end a run rather than a single offering.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUnreachable(err)
}
