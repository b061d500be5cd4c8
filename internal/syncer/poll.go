package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgersync/internal/indexer"
	"ledgersync/internal/model"
)

// Poll checks for new blocks every PollInterval and scans each offering
// forward in PollStep increments until it reaches the tip. A watermark starts
// at the stored cursor, or at the current tip when none exists. A fetch
// failure leaves the watermark where it is so the next tick retries; an
// increment that keeps failing is eventually narrowed down and the offending
// block skipped and audited. Undecodable logs are written off by the pipeline
// and do not hold the watermark back.
func (o *Orchestrator) Poll(ctx context.Context) error {
	p := o.newPoller()
	if _, err := p.tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// pollRetryTicks is how many ticks a failing increment is retried unchanged.
const pollRetryTicks = 3

type poller struct {
	o          *Orchestrator
	scanner    *indexer.Scanner
	logger     *zap.Logger
	offerings  []model.Offering
	watermarks map[int64]uint64
	failures   map[int64]int
}

func (o *Orchestrator) newPoller() *poller {
	logger := o.logger.With(zap.String("run_id", uuid.NewString()), zap.String("mode", "poll"))
	return &poller{
		o:          o,
		scanner:    o.newScanner(o.chain, "poll", logger),
		logger:     logger,
		watermarks: make(map[int64]uint64),
		failures:   make(map[int64]int),
	}
}

// tick runs one polling round. Only cancellation is returned as an error.
func (p *poller) tick(ctx context.Context) (indexer.Stats, error) {
	var stats indexer.Stats

	tip, err := p.o.chain.CurrentHeight(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		p.logger.Warn("chain height unavailable, retrying next tick", zap.Error(err))
		return stats, nil
	}

	if offerings, err := p.o.offerings(ctx); err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		p.logger.Warn("offering refresh failed, keeping previous list", zap.Error(err))
	} else {
		p.offerings = offerings
	}

	for _, off := range p.offerings {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		wm, ok := p.watermarks[off.ID]
		if !ok {
			cur, found, err := p.o.cursors.Load(ctx, off.ID)
			if err != nil {
				p.logger.Warn("cursor load failed", zap.String("offering", off.Key()), zap.Error(err))
				continue
			}
			wm = tip
			if found {
				wm = cur.LastBlock
			}
			p.watermarks[off.ID] = wm
			p.logger.Info("watching offering", zap.String("offering", off.Key()), zap.Uint64("from", wm+1))
		}
		if wm >= tip {
			continue
		}

		ranges, err := indexer.SplitRange(wm+1, tip, p.o.cfg.PollStep)
		if err != nil {
			p.logger.Error("split poll range", zap.String("offering", off.Key()), zap.Error(err))
			continue
		}
		for _, r := range ranges {
			got, reached, err := p.scan(ctx, off, r)
			stats.Add(got)
			if reached > p.watermarks[off.ID] {
				p.watermarks[off.ID] = reached
			}
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				p.failures[off.ID]++
				p.logger.Warn("poll window failed, watermark unchanged",
					zap.String("offering", off.Key()),
					zap.Uint64("from", r.From),
					zap.Uint64("to", r.To),
					zap.Int("failed_ticks", p.failures[off.ID]),
					zap.Error(err),
				)
				break
			}
			p.failures[off.ID] = 0
		}
	}
	return stats, nil
}

// scan fetches one poll increment. A failing increment is retried as a whole
// on later ticks; after pollRetryTicks failures in a row it goes through the
// adaptive scan instead, which narrows the range and skips a block that keeps
// failing on its own.
func (p *poller) scan(ctx context.Context, off model.Offering, r indexer.BlockRange) (indexer.Stats, uint64, error) {
	if p.failures[off.ID] < pollRetryTicks {
		got, err := p.scanner.ScanWindow(ctx, off, r)
		if err != nil {
			return got, 0, err
		}
		return got, r.To, nil
	}

	res, err := p.scanner.Scan(ctx, off, r.From-1, r.To)
	if len(res.GapSkips) > 0 {
		p.logger.Warn("poll skipped blocks",
			zap.String("offering", off.Key()),
			zap.Uint64s("blocks", res.GapSkips),
		)
	}
	return res.Stats, res.Cursor, err
}
