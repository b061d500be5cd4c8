package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ledgersync/internal/contract"
	"ledgersync/internal/currency"
	"ledgersync/internal/metrics"
	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

// Outcome is what happened to a single log.
type Outcome string

const (
	OutcomeInserted      Outcome = "inserted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeUnknownWallet Outcome = "unknown_wallet"
	OutcomeDecodeError   Outcome = "decode_error"
	OutcomeIgnored       Outcome = "ignored"
)

// CurrencyResolver supplies currency metadata for a decoded event. A
// currency.ErrUnresolvedToken error comes with usable fallback metadata.
type CurrencyResolver interface {
	Resolve(ctx context.Context, ev model.RawEvent) (model.CurrencyInfo, error)
}

// IdentityResolver maps a wallet to a user; ok=false means unknown.
type IdentityResolver interface {
	Resolve(ctx context.Context, wallet string) (model.UserRef, bool, error)
}

// AuditSink receives records that need operator attention.
type AuditSink interface {
	RecordGapSkip(skip model.GapSkip) error
	RecordDecodeError(rec model.DecodeError) error
}

// Stats counts log outcomes.
type Stats struct {
	Logs             int `json:"logs"`
	Inserted         int `json:"inserted"`
	Duplicates       int `json:"duplicates"`
	UnknownWallets   int `json:"unknown_wallets"`
	DecodeErrors     int `json:"decode_errors"`
	UnresolvedTokens int `json:"unresolved_tokens"`
}

func (s *Stats) Add(other Stats) {
	s.Logs += other.Logs
	s.Inserted += other.Inserted
	s.Duplicates += other.Duplicates
	s.UnknownWallets += other.UnknownWallets
	s.DecodeErrors += other.DecodeErrors
	s.UnresolvedTokens += other.UnresolvedTokens
}

func (s *Stats) count(o Outcome) {
	switch o {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeDuplicate:
		s.Duplicates++
	case OutcomeUnknownWallet:
		s.UnknownWallets++
	case OutcomeDecodeError:
		s.DecodeErrors++
	}
}

// Pipeline decodes, normalizes, attributes and records contribution logs. It
// is shared by every delivery mode.
type Pipeline struct {
	schema   *contract.Schema
	currency CurrencyResolver
	identity IdentityResolver
	ledger   storage.Ledger
	audit    AuditSink
	logger   *zap.Logger
}

func NewPipeline(schema *contract.Schema, cur CurrencyResolver, ident IdentityResolver, ledger storage.Ledger, audit AuditSink, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		schema:   schema,
		currency: cur,
		identity: ident,
		ledger:   ledger,
		audit:    audit,
		logger:   logger,
	}
}

// Schema returns the contract schema used for decoding.
func (p *Pipeline) Schema() *contract.Schema {
	return p.schema
}

// Process handles logs in order. Per-log problems are counted; an error means
// the directory or ledger failed and the window must not be committed.
func (p *Pipeline) Process(ctx context.Context, offering model.Offering, logs []types.Log) (Stats, error) {
	var stats Stats
	for _, log := range logs {
		outcome, unresolved, err := p.process(ctx, offering, log)
		if err != nil {
			return stats, err
		}
		if outcome == OutcomeIgnored {
			continue
		}
		stats.Logs++
		stats.count(outcome)
		if unresolved {
			stats.UnresolvedTokens++
		}
	}
	return stats, nil
}

// ProcessLog handles one log.
func (p *Pipeline) ProcessLog(ctx context.Context, offering model.Offering, log types.Log) (Outcome, error) {
	outcome, _, err := p.process(ctx, offering, log)
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, offering model.Offering, log types.Log) (Outcome, bool, error) {
	if log.Removed || log.Address != offering.Address {
		return OutcomeIgnored, false, nil
	}
	label := offering.Key()

	ev, err := p.schema.Decode(log, offering.ID)
	if err != nil {
		p.logger.Warn("decode failed",
			zap.String("offering", label),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint64("block", log.BlockNumber),
			zap.Error(err),
		)
		if p.audit != nil {
			if auditErr := p.audit.RecordDecodeError(buildDecodeError(offering.ID, log, err, time.Now())); auditErr != nil {
				p.logger.Error("audit decode error failed", zap.Error(auditErr))
			}
		}
		metrics.Contributions.WithLabelValues(label, string(OutcomeDecodeError)).Inc()
		return OutcomeDecodeError, false, nil
	}

	// Identity first: unknown wallets are dropped without any token lookups.
	investor := strings.ToLower(ev.Investor.Hex())
	user, ok, err := p.identity.Resolve(ctx, investor)
	if err != nil {
		return "", false, fmt.Errorf("resolve identity: %w", err)
	}
	if !ok {
		p.logger.Info("skipping unknown wallet",
			zap.String("offering", label),
			zap.String("investor", investor),
			zap.String("tx_hash", strings.ToLower(ev.TxHash.Hex())),
		)
		metrics.Contributions.WithLabelValues(label, string(OutcomeUnknownWallet)).Inc()
		return OutcomeUnknownWallet, false, nil
	}

	unresolved := false
	cur, err := p.currency.Resolve(ctx, ev)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		if !errors.Is(err, currency.ErrUnresolvedToken) {
			return "", false, fmt.Errorf("resolve currency: %w", err)
		}
		unresolved = true
		p.logger.Warn("using fallback token metadata",
			zap.String("offering", label),
			zap.String("token", ev.Token.Hex()),
			zap.String("symbol", cur.Symbol),
		)
	}

	contribution := Normalize(ev, cur)
	contribution.User = &user

	res, err := p.ledger.Record(ctx, buildInvestment(contribution))
	if err != nil {
		return "", unresolved, fmt.Errorf("record %s: %w", contribution.TxHash, err)
	}

	outcome := OutcomeInserted
	if res == storage.AlreadyExists {
		outcome = OutcomeDuplicate
		p.logger.Debug("contribution already recorded",
			zap.String("offering", label),
			zap.String("tx_hash", contribution.TxHash),
		)
	} else {
		p.logger.Info("contribution recorded",
			zap.String("offering", label),
			zap.String("tx_hash", contribution.TxHash),
			zap.Uint64("block", contribution.BlockNumber),
			zap.String("investor", contribution.Investor),
			zap.String("user", user.Username),
			zap.String("amount", contribution.Amount.String()),
			zap.String("currency", contribution.Currency),
		)
	}
	metrics.Contributions.WithLabelValues(label, string(outcome)).Inc()
	return outcome, unresolved, nil
}
