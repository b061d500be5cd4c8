package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledgersync/internal/chain"
	"ledgersync/internal/config"
	"ledgersync/internal/contract"
	"ledgersync/internal/currency"
	"ledgersync/internal/identity"
	"ledgersync/internal/indexer"
	"ledgersync/internal/storage"
	"ledgersync/internal/storage/postgres"
	"ledgersync/internal/storage/sqlite"
	"ledgersync/internal/syncer"
)

// stores are the persistence collaborators; none of them need the chain.
type stores struct {
	backend  storage.Backend
	registry storage.OfferingRegistry
	cursors  storage.CursorStore
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
	stores
	client *chain.Client
	orch   *syncer.Orchestrator
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Store {
	case config.StorePostgres:
		backend, err = postgres.NewStore(ctx, cfg.PGDSN)
	case config.StoreSQLite:
		backend, err = sqlite.Open(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	if err := backend.Migrate(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return backend, nil
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return stores{}, err
	}
	s := stores{backend: backend, registry: backend, cursors: backend}

	if cfg.OfferingsFile != "" {
		static, err := storage.LoadOfferingsFile(cfg.OfferingsFile)
		if err != nil {
			_ = backend.Close()
			return stores{}, err
		}
		offerings, _ := static.ListOfferings(ctx)
		// Ledger rows reference offerings, so the file is mirrored into the store.
		if err := backend.ImportOfferings(ctx, offerings); err != nil {
			_ = backend.Close()
			return stores{}, fmt.Errorf("import offerings: %w", err)
		}
		s.registry = static
		logger.Info("offerings loaded from file", zap.String("path", cfg.OfferingsFile), zap.Int("offerings", len(offerings)))
	}

	if cfg.CursorFile != "" {
		s.cursors = indexer.NewFileCursorStore(cfg.CursorFile)
		logger.Info("using file cursor store", zap.String("path", cfg.CursorFile))
	}
	return s, nil
}

func (s stores) directory(cfg config.Config, logger *zap.Logger) (identity.Directory, error) {
	if cfg.DirectoryFile == "" {
		return s.backend, nil
	}
	dir, err := identity.LoadDirectoryFile(cfg.DirectoryFile)
	if err != nil {
		return nil, err
	}
	logger.Info("wallet directory loaded from file", zap.String("path", cfg.DirectoryFile), zap.Int("wallets", dir.Len()))
	return dir, nil
}

// newApp wires the chain client, the pipeline and the orchestrator, then
// applies any requested cursor resets.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	parsed, err := contract.LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	schema, err := contract.NewSchema(parsed)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	dir, err := st.directory(cfg, logger)
	if err != nil {
		_ = st.backend.Close()
		return nil, err
	}

	client, err := chain.Dial(ctx, cfg.RPCURL, chainOptions(cfg), logger)
	if err != nil {
		_ = st.backend.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	audit := storage.NewAuditLog(cfg.AuditFile)
	pipeline := indexer.NewPipeline(
		schema,
		currency.NewResolver(client, cfg.NativeSymbol, logger),
		identity.NewResolver(dir, logger),
		st.backend,
		audit,
		logger,
	)

	orch, err := syncer.New(syncer.Config{
		WindowSize:    cfg.WindowSize,
		Workers:       cfg.Workers,
		StartBlock:    cfg.StartBlock,
		PollInterval:  cfg.PollInterval,
		PollStep:      cfg.PollStep,
		RedialTimeout: cfg.RedialTimeout,
		OfferingIDs:   cfg.OfferingIDs,
	}, syncer.Deps{
		Chain:    client,
		Registry: st.registry,
		Cursors:  st.cursors,
		Ledger:   st.backend,
		Pipeline: pipeline,
		Audit:    audit,
		Logger:   logger,
	})
	if err != nil {
		client.Close()
		_ = st.backend.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, stores: st, client: client, orch: orch}

	if cfg.Reset || len(cfg.ResetOfferings) > 0 {
		ids := cfg.ResetOfferings
		if cfg.Reset {
			ids = nil
		}
		if _, err := orch.Reset(ctx, ids); err != nil {
			a.Close()
			return nil, err
		}
	}

	logger.Info("ledgersync start",
		zap.String("rpc", client.Endpoint()),
		zap.String("store", cfg.Store),
		zap.Uint64("window_size", cfg.WindowSize),
		zap.Int("workers", cfg.Workers),
		zap.Float64("rps", cfg.RPS),
		zap.String("audit_file", cfg.AuditFile),
	)
	a.serveMetrics(ctx)
	return a, nil
}

func chainOptions(cfg config.Config) chain.Options {
	return chain.Options{
		RequestTimeout: cfg.RequestTimeout,
		DialTimeout:    cfg.DialTimeout,
		RPS:            cfg.RPS,
		Burst:          cfg.Burst,
	}
}

func (a *app) Close() {
	a.client.Close()
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// serveMetrics exposes /metrics until ctx ends. Disabled when no address is set.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("metrics listening", zap.String("addr", a.cfg.MetricsAddr))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitErr drops the cancellation error produced by an operator interrupt.
func exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
