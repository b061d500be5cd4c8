package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgersync/internal/chain"
	"ledgersync/internal/indexer"
	"ledgersync/internal/model"
)

// Redialer opens a fresh push connection after the previous one failed.
type Redialer func(ctx context.Context) (PushSource, error)

var errSubscriptionClosed = errors.New("subscription closed by server")

// Subscribe catches up with a backfill pass, then processes logs pushed by
// src through the same pipeline. When the subscription drops it reconnects
// with redial (bounded by RedialTimeout) and catches up again. Sources without
// push support fall back to Poll. Subscribe closes every source it uses,
// including src.
func (o *Orchestrator) Subscribe(ctx context.Context, src PushSource, redial Redialer) error {
	for {
		if !src.SupportsSubscriptions() {
			o.logger.Warn("push delivery unavailable, falling back to polling")
			src.Close()
			return o.Poll(ctx)
		}

		err := o.subscribeOnce(ctx, src)
		src.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			o.logger.Warn("push delivery unavailable, falling back to polling")
			return o.Poll(ctx)
		}
		if redial == nil {
			return err
		}

		o.logger.Warn("subscription ended, reconnecting", zap.Error(err))
		src, err = o.redial(ctx, redial)
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) redial(ctx context.Context, redial Redialer) (PushSource, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = o.cfg.RedialTimeout

	src, err := backoff.RetryNotifyWithData(func() (PushSource, error) {
		return redial(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		o.logger.Warn("redial failed", zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: redial: %v", chain.ErrUnreachableSource, err)
	}
	return src, nil
}

func (o *Orchestrator) subscribeOnce(ctx context.Context, src PushSource) error {
	if _, err := o.runPass(ctx, src, "subscribe"); err != nil {
		return err
	}

	offerings, err := o.offerings(ctx)
	if err != nil {
		return err
	}
	if len(offerings) == 0 {
		o.logger.Warn("no offerings to subscribe to")
		<-ctx.Done()
		return ctx.Err()
	}
	byAddress := make(map[common.Address]model.Offering, len(offerings))
	addresses := make([]common.Address, 0, len(offerings))
	for _, off := range offerings {
		byAddress[off.Address] = off
		addresses = append(addresses, off.Address)
	}

	logs := make(chan types.Log, 256)
	sub, err := src.SubscribeLogs(ctx, addresses, o.pipeline.Schema().Topics(), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	// Blocks mined between the first pass and the subscription going live.
	report, err := o.runPass(ctx, src, "subscribe")
	if err != nil {
		return err
	}
	caughtUp := make(map[int64]bool, len(report.Offerings))
	for _, rep := range report.Offerings {
		caughtUp[rep.OfferingID] = rep.Err == ""
	}

	logger := o.logger.With(zap.String("run_id", uuid.NewString()), zap.String("mode", "subscribe"))
	scanner := o.newScanner(src, "subscribe", logger)

	for _, off := range offerings {
		if caughtUp[off.ID] {
			continue
		}
		// Pin the start so ledger rows from pushed logs cannot become the
		// bootstrap point while the gap behind them is still unscanned.
		cursor, err := indexer.StartCursor(ctx, off, o.cursors, o.ledger, o.cfg.StartBlock)
		if err != nil {
			return err
		}
		if err := scanner.Commit(ctx, off, cursor); err != nil {
			return err
		}
		logger.Warn("offering behind after catch-up", zap.String("offering", off.Key()), zap.Uint64("cursor", cursor))
	}
	logger.Info("subscribed", zap.Int("offerings", len(offerings)))

	return o.stream(ctx, sub.Err(), logs, byAddress, caughtUp, scanner, logger)
}

// stream applies pushed logs in arrival order. A log from block B means every
// log up to B-1 has been delivered, so the cursor is committed at B-1. That
// only holds for offerings whose catch-up reached the tip; the others are
// scanned up to B-1 first and keep their cursor if that scan fails.
func (o *Orchestrator) stream(
	ctx context.Context,
	subErr <-chan error,
	logs <-chan types.Log,
	byAddress map[common.Address]model.Offering,
	caughtUp map[int64]bool,
	scanner *indexer.Scanner,
	logger *zap.Logger,
) error {
	committed := make(map[int64]uint64, len(byAddress))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-subErr:
			if !ok || err == nil {
				return errSubscriptionClosed
			}
			return fmt.Errorf("subscription error: %w", chain.Classify(err))
		case log := <-logs:
			off, ok := byAddress[log.Address]
			if !ok {
				continue
			}
			if log.Removed {
				logger.Warn("ignoring removed log",
					zap.String("offering", off.Key()),
					zap.String("tx_hash", log.TxHash.Hex()),
					zap.Uint64("block", log.BlockNumber),
				)
				continue
			}

			if log.BlockNumber > 0 && log.BlockNumber-1 > committed[off.ID] {
				if err := o.advance(ctx, scanner, off, log.BlockNumber-1, caughtUp, committed, logger); err != nil {
					return err
				}
			}

			if _, err := o.pipeline.ProcessLog(ctx, off, log); err != nil {
				return err
			}
		}
	}
}

// advance moves an offering's cursor to block ahead of a pushed log.
func (o *Orchestrator) advance(
	ctx context.Context,
	scanner *indexer.Scanner,
	off model.Offering,
	block uint64,
	caughtUp map[int64]bool,
	committed map[int64]uint64,
	logger *zap.Logger,
) error {
	if caughtUp[off.ID] {
		if err := scanner.Commit(ctx, off, block); err != nil {
			return err
		}
		committed[off.ID] = block
		return nil
	}

	cursor, err := indexer.StartCursor(ctx, off, o.cursors, o.ledger, o.cfg.StartBlock)
	if err != nil {
		return err
	}
	if cursor < block {
		if _, err := scanner.Scan(ctx, off, cursor, block); err != nil {
			if isFatal(err) {
				return err
			}
			logger.Warn("catch-up behind pushed log failed, cursor held",
				zap.String("offering", off.Key()),
				zap.Uint64("cursor", cursor),
				zap.Uint64("to", block),
				zap.Error(err),
			)
			return nil
		}
	}
	caughtUp[off.ID] = true
	committed[off.ID] = block
	return nil
}
