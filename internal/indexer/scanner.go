package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ledgersync/internal/chain"
	"ledgersync/internal/metrics"
	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

// DefaultWindowSize is the initial scan window in blocks.
const DefaultWindowSize uint64 = 2000

// LogSource fetches logs for one address and topic set over a block range.
type LogSource interface {
	FetchLogs(ctx context.Context, address common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
}

// ScanResult summarizes one offering's scan.
type ScanResult struct {
	From     uint64
	To       uint64
	Cursor   uint64
	Windows  int
	Shrinks  int
	GapSkips []uint64
	Stats    Stats
}

// Scanner walks an offering from its cursor to a tip in adaptive windows.
type Scanner struct {
	source     LogSource
	pipeline   *Pipeline
	cursors    storage.CursorStore
	audit      AuditSink
	windowSize uint64
	mode       string
	logger     *zap.Logger
}

type ScannerConfig struct {
	WindowSize uint64
	// Mode labels metrics (backfill, poll, subscribe).
	Mode string
}

func NewScanner(cfg ScannerConfig, source LogSource, pipeline *Pipeline, cursors storage.CursorStore, audit AuditSink, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Mode == "" {
		cfg.Mode = "backfill"
	}
	return &Scanner{
		source:     source,
		pipeline:   pipeline,
		cursors:    cursors,
		audit:      audit,
		windowSize: cfg.WindowSize,
		mode:       cfg.Mode,
		logger:     logger,
	}
}

// Scan processes (cursor, tip]. Windows shrink by half on rate limits,
// timeouts and other recoverable source errors; a block that still fails at
// width one is skipped and audited. The cursor is saved after each window,
// and cancellation is only observed between windows. The window size starts
// fresh on every call and never grows within it.
func (s *Scanner) Scan(ctx context.Context, offering model.Offering, cursor, tip uint64) (ScanResult, error) {
	res := ScanResult{From: cursor + 1, To: tip, Cursor: cursor}
	if cursor >= tip {
		return res, nil
	}

	label := offering.Key()
	size := s.windowSize
	current := cursor + 1

	for current <= tip {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		win := NextWindow(current, tip, size)
		stats, err := s.ScanWindow(ctx, offering, win)
		if err == nil {
			res.Windows++
			res.Stats.Add(stats)
			res.Cursor = win.To
			if win.To == tip {
				break
			}
			current = win.To + 1
			continue
		}

		if !chain.IsShrinkable(err) {
			return res, err
		}

		if win.Len() > 1 {
			size = ShrinkWindow(win.Len())
			res.Shrinks++
			metrics.WindowShrinks.WithLabelValues(label).Inc()
			s.logger.Warn("shrinking window",
				zap.String("offering", label),
				zap.Uint64("from", win.From),
				zap.Uint64("to", win.To),
				zap.Uint64("window", size),
				zap.Error(err),
			)
			continue
		}

		if err := s.skipBlock(ctx, offering, current, err); err != nil {
			return res, err
		}
		res.GapSkips = append(res.GapSkips, current)
		res.Cursor = current
		if current == tip {
			break
		}
		current++
	}

	return res, nil
}

// ScanWindow fetches, processes and commits a single window. On error the
// cursor is left untouched.
func (s *Scanner) ScanWindow(ctx context.Context, offering model.Offering, win BlockRange) (Stats, error) {
	label := offering.Key()
	logs, err := s.fetchWindow(ctx, offering.Address, win)
	if err != nil {
		return Stats{}, err
	}

	stats, err := s.pipeline.Process(ctx, offering, logs)
	if err != nil {
		return stats, fmt.Errorf("offering %s window %d-%d: %w", label, win.From, win.To, err)
	}

	if err := s.commit(ctx, offering, win.To); err != nil {
		return stats, err
	}
	metrics.WindowsScanned.WithLabelValues(label, s.mode).Inc()
	s.logger.Debug("window committed",
		zap.String("offering", label),
		zap.Uint64("from", win.From),
		zap.Uint64("to", win.To),
		zap.Int("logs", len(logs)),
		zap.Int("inserted", stats.Inserted),
	)
	return stats, nil
}

// Commit advances the stored cursor for an offering.
func (s *Scanner) Commit(ctx context.Context, offering model.Offering, block uint64) error {
	return s.commit(ctx, offering, block)
}

func (s *Scanner) commit(ctx context.Context, offering model.Offering, block uint64) error {
	if err := s.cursors.Save(ctx, offering.ID, block); err != nil {
		return fmt.Errorf("save cursor for %s: %w", offering.Key(), err)
	}
	metrics.CursorBlock.WithLabelValues(offering.Key()).Set(float64(block))
	return nil
}

func (s *Scanner) skipBlock(ctx context.Context, offering model.Offering, block uint64, cause error) error {
	label := offering.Key()
	metrics.GapSkips.WithLabelValues(label).Inc()
	s.logger.Warn("skipping block after single-block failure",
		zap.String("offering", label),
		zap.Uint64("block", block),
		zap.Error(cause),
	)
	if s.audit != nil {
		skip := model.GapSkip{
			Type:       "gap_skip",
			OfferingID: offering.ID,
			Address:    offering.Address.Hex(),
			Block:      block,
			Reason:     cause.Error(),
			ObservedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := s.audit.RecordGapSkip(skip); err != nil {
			s.logger.Error("audit gap skip failed", zap.Uint64("block", block), zap.Error(err))
		}
	}
	return s.commit(ctx, offering, block)
}

// fetchWindow issues one request per event kind and merges the results in
// chain order.
func (s *Scanner) fetchWindow(ctx context.Context, address common.Address, win BlockRange) ([]types.Log, error) {
	var merged []types.Log
	for _, topic := range s.pipeline.Schema().Topics() {
		logs, err := s.source.FetchLogs(ctx, address, []common.Hash{topic}, win.From, win.To)
		if err != nil {
			return nil, err
		}
		merged = append(merged, logs...)
	}
	sortLogs(merged)
	return merged, nil
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

// StartCursor decides where an offering's scan begins: the stored cursor, else
// one block before the newest ledger row, else the block before startBlock.
func StartCursor(ctx context.Context, offering model.Offering, cursors storage.CursorStore, ledger storage.Ledger, startBlock uint64) (uint64, error) {
	cur, ok, err := cursors.Load(ctx, offering.ID)
	if err != nil {
		return 0, fmt.Errorf("load cursor for %s: %w", offering.Key(), err)
	}
	if ok {
		return cur.LastBlock, nil
	}

	if ledger != nil {
		latest, ok, err := ledger.LatestBlock(ctx, offering.ID)
		if err != nil {
			return 0, fmt.Errorf("latest ledger block for %s: %w", offering.Key(), err)
		}
		if ok && latest > 0 {
			return latest - 1, nil
		}
	}

	if startBlock > 0 {
		return startBlock - 1, nil
	}
	return 0, nil
}
