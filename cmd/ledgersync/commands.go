package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledgersync/internal/aggregate"
	"ledgersync/internal/chain"
	"ledgersync/internal/indexer"
	"ledgersync/internal/syncer"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orch.Backfill(ctx)
	if err != nil {
		return exitErr(err)
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d offerings failed", report.Failed, len(report.Offerings))
	}
	return nil
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return exitErr(a.orch.Poll(ctx))
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	redial := func(ctx context.Context) (syncer.PushSource, error) {
		client, err := chain.Dial(ctx, a.cfg.PushURL(), chainOptions(a.cfg), a.logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	push, err := redial(ctx)
	if err != nil {
		return fmt.Errorf("connect push endpoint: %w", err)
	}
	return exitErr(a.orch.Subscribe(ctx, push, redial))
}

func runReset(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.backend.Close()

	ids := cfg.ResetOfferings
	if len(ids) == 0 {
		ids = cfg.OfferingIDs
	}
	reset, err := syncer.ResetCursors(ctx, st.registry, st.cursors, ids, logger)
	if err != nil {
		return err
	}
	logger.Info("reset complete", zap.Int("offerings", len(reset)))
	return nil
}

func runInvestments(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	offeringID, _ := cmd.Flags().GetInt64("offering")
	rows, err := backend.ListByOffering(ctx, offeringID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if summary, _ := cmd.Flags().GetBool("summary"); summary {
		offerings, err := backend.ListOfferings(ctx)
		if err != nil {
			return err
		}
		selected, err := indexer.SelectOfferings(offerings, []int64{offeringID})
		if err != nil {
			return err
		}
		s, err := aggregate.Summarize(selected[0], cfg.NativeSymbol, rows)
		if err != nil {
			return err
		}
		return enc.Encode(s)
	}

	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	logger.Debug("investments listed", zap.Int64("offering_id", offeringID), zap.Int("rows", len(rows)))
	return nil
}
