package identity

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ledgersync/internal/model"
)

// Directory looks up the user owning a lower-cased wallet address.
type Directory interface {
	LookupWallet(ctx context.Context, wallet string) (model.UserRef, bool, error)
}

// Resolver attaches internal users to investor wallets.
type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dir: dir, logger: logger}
}

// Resolve returns ok=false for wallets with no registered user. An error means
// the directory itself could not be consulted.
func (r *Resolver) Resolve(ctx context.Context, wallet string) (model.UserRef, bool, error) {
	wallet = NormalizeWallet(wallet)
	user, ok, err := r.dir.LookupWallet(ctx, wallet)
	if err != nil {
		return model.UserRef{}, false, fmt.Errorf("lookup wallet %s: %w", wallet, err)
	}
	if !ok {
		r.logger.Info("unknown wallet", zap.String("investor", wallet))
		return model.UserRef{}, false, nil
	}
	return user, true, nil
}

// NormalizeWallet lower-cases a hex address for case-insensitive matching.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
