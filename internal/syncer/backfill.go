package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgersync/internal/chain"
	"ledgersync/internal/indexer"
	"ledgersync/internal/model"
)

// Backfill scans every offering from its cursor to the current tip once.
// Offerings run concurrently on a bounded worker pool; each offering's
// windows stay sequential. Only an unreachable source or cancellation is
// returned as an error; other per-offering failures are in the report.
func (o *Orchestrator) Backfill(ctx context.Context) (Report, error) {
	return o.runPass(ctx, o.chain, "backfill")
}

func (o *Orchestrator) runPass(ctx context.Context, src ChainReader, mode string) (Report, error) {
	report := Report{RunID: uuid.NewString(), Mode: mode}
	logger := o.logger.With(zap.String("run_id", report.RunID), zap.String("mode", mode))

	tip, err := src.CurrentHeight(ctx)
	if err != nil {
		return report, fmt.Errorf("chain height: %w", err)
	}
	report.Tip = tip

	offerings, err := o.offerings(ctx)
	if err != nil {
		return report, err
	}
	logger.Info("pass started", zap.Uint64("tip", tip), zap.Int("offerings", len(offerings)))

	scanner := o.newScanner(src, mode, logger)
	pool := pond.NewPool(o.cfg.Workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	report.Offerings = make([]OfferingReport, len(offerings))
	tasks := make([]pond.Task, len(offerings))
	for i, off := range offerings {
		i, off := i, off
		report.Offerings[i] = OfferingReport{OfferingID: off.ID, Offering: off.Key()}
		tasks[i] = pool.SubmitErr(func() error {
			return o.scanOffering(ctx, scanner, off, tip, &report.Offerings[i], logger)
		})
	}

	var fatal error
	for i, task := range tasks {
		err := task.Wait()
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		rep := &report.Offerings[i]
		rep.Err = err.Error()
		report.Failed++
		if !errors.Is(err, context.Canceled) {
			logger.Error("offering scan failed", zap.String("offering", rep.Offering), zap.Error(err))
		}
		if fatal == nil && isFatal(err) {
			fatal = err
		}
	}

	for _, rep := range report.Offerings {
		report.Totals.Add(rep.Stats)
		report.GapSkips += len(rep.GapSkips)
	}
	logger.Info("pass complete",
		zap.Uint64("tip", tip),
		zap.Int("offerings", len(offerings)),
		zap.Int("failed", report.Failed),
		zap.Int("inserted", report.Totals.Inserted),
		zap.Int("duplicates", report.Totals.Duplicates),
		zap.Int("unknown_wallets", report.Totals.UnknownWallets),
		zap.Int("decode_errors", report.Totals.DecodeErrors),
		zap.Int("gap_skips", report.GapSkips),
	)
	return report, fatal
}

func (o *Orchestrator) scanOffering(ctx context.Context, scanner *indexer.Scanner, off model.Offering, tip uint64, rep *OfferingReport, logger *zap.Logger) error {
	cursor, err := indexer.StartCursor(ctx, off, o.cursors, o.ledger, o.cfg.StartBlock)
	if err != nil {
		return err
	}

	res, err := scanner.Scan(ctx, off, cursor, tip)
	rep.From = res.From
	rep.To = res.To
	rep.Cursor = res.Cursor
	rep.Windows = res.Windows
	rep.Shrinks = res.Shrinks
	rep.GapSkips = res.GapSkips
	rep.Stats = res.Stats
	if err != nil {
		return err
	}

	logger.Info("offering synced",
		zap.String("offering", off.Key()),
		zap.Uint64("from", res.From),
		zap.Uint64("to", res.To),
		zap.Int("windows", res.Windows),
		zap.Int("inserted", res.Stats.Inserted),
		zap.Int("gap_skips", len(res.GapSkips)),
	)
	return nil
}

func isUnreachable(err error) bool {
	return errors.Is(err, chain.ErrUnreachableSource)
}
