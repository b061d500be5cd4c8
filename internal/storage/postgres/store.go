package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

const uniqueViolation = "23505"

// Store provides Postgres persistence for the ledger, cursors, offerings and
// wallet profiles.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS offerings (
	id               BIGINT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL DEFAULT '',
	contract_address TEXT NOT NULL UNIQUE,
	goal             NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wallet_profiles (
	user_id        BIGINT PRIMARY KEY,
	username       TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS investments (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT NOT NULL,
	offering_id  BIGINT NOT NULL REFERENCES offerings(id),
	amount       NUMERIC NOT NULL,
	currency     VARCHAR(20) NOT NULL DEFAULT 'MON',
	distributed  BOOLEAN NOT NULL DEFAULT FALSE,
	tx_hash      VARCHAR(66) NOT NULL UNIQUE,
	block_number BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Amounts keep every decimal a token declares.
ALTER TABLE offerings ALTER COLUMN goal TYPE NUMERIC;
ALTER TABLE investments ALTER COLUMN amount TYPE NUMERIC;

CREATE INDEX IF NOT EXISTS investments_offering_block_idx ON investments (offering_id, block_number);

CREATE TABLE IF NOT EXISTS sync_cursors (
	offering_id BIGINT PRIMARY KEY,
	last_block  BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Record inserts inv unless a row with the same tx hash exists. The unique
// constraint decides races between concurrent writers.
func (s *Store) Record(ctx context.Context, inv model.Investment) (storage.RecordResult, error) {
	if err := storage.ValidateInvestment(inv); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO investments (user_id, offering_id, amount, currency, distributed, tx_hash, block_number, created_at)
		VALUES ($1, $2, $3::numeric, $4, FALSE, $5, $6, now())
		ON CONFLICT (tx_hash) DO NOTHING
	`,
		inv.UserID,
		inv.OfferingID,
		inv.Amount.String(),
		inv.Currency,
		strings.ToLower(inv.TxHash),
		int64(inv.BlockNumber),
	)
	if err != nil {
		return 0, fmt.Errorf("insert investment %s: %w", inv.TxHash, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.AlreadyExists, nil
	}
	return storage.Inserted, nil
}

// ListByOffering returns an offering's investments ordered by block.
func (s *Store) ListByOffering(ctx context.Context, offeringID int64) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, offering_id, amount::text, currency, distributed, tx_hash, block_number, created_at
		FROM investments
		WHERE offering_id = $1
		ORDER BY block_number, id
	`, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Investment
	for rows.Next() {
		var (
			inv    model.Investment
			amount string
			block  int64
		)
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.OfferingID, &amount, &inv.Currency, &inv.Distributed, &inv.TxHash, &block, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("investment %d amount: %w", inv.ID, err)
		}
		inv.BlockNumber = uint64(block)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) LatestBlock(ctx context.Context, offeringID int64) (uint64, bool, error) {
	var block *int64
	row := s.pool.QueryRow(ctx, `SELECT MAX(block_number) FROM investments WHERE offering_id = $1`, offeringID)
	if err := row.Scan(&block); err != nil {
		return 0, false, err
	}
	if block == nil {
		return 0, false, nil
	}
	return uint64(*block), true, nil
}

// Load returns the stored cursor for an offering.
func (s *Store) Load(ctx context.Context, offeringID int64) (model.SyncCursor, bool, error) {
	var (
		block   int64
		updated time.Time
	)
	row := s.pool.QueryRow(ctx, `SELECT last_block, updated_at FROM sync_cursors WHERE offering_id = $1`, offeringID)
	if err := row.Scan(&block, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCursor{}, false, nil
		}
		return model.SyncCursor{}, false, err
	}
	return model.SyncCursor{OfferingID: offeringID, LastBlock: uint64(block), UpdatedAt: updated}, true, nil
}

// Save upserts the cursor, keeping the larger of the stored and new block.
func (s *Store) Save(ctx context.Context, offeringID int64, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (offering_id, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (offering_id) DO UPDATE
		SET last_block = GREATEST(sync_cursors.last_block, EXCLUDED.last_block), updated_at = now()
	`, offeringID, int64(block))
	return err
}

// Reset moves the cursor back to zero.
func (s *Store) Reset(ctx context.Context, offeringID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (offering_id, last_block, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (offering_id) DO UPDATE
		SET last_block = 0, updated_at = now()
	`, offeringID)
	return err
}

func (s *Store) ListOfferings(ctx context.Context) ([]model.Offering, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, symbol, contract_address, goal::text
		FROM offerings
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Offering
	for rows.Next() {
		var (
			o             model.Offering
			address, goal string
		)
		if err := rows.Scan(&o.ID, &o.Name, &o.Symbol, &address, &goal); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("offering %d: invalid contract address %q", o.ID, address)
		}
		o.Address = common.HexToAddress(address)
		o.Goal, err = decimal.NewFromString(goal)
		if err != nil {
			return nil, fmt.Errorf("offering %d goal: %w", o.ID, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, storage.ValidateOfferings(out)
}

// ImportOfferings upserts offerings by id in one batch.
func (s *Store) ImportOfferings(ctx context.Context, offerings []model.Offering) error {
	if len(offerings) == 0 {
		return nil
	}
	if err := storage.ValidateOfferings(offerings); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, o := range offerings {
		batch.Queue(`
			INSERT INTO offerings (id, name, symbol, contract_address, goal)
			VALUES ($1, $2, $3, $4, $5::numeric)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				symbol = EXCLUDED.symbol,
				contract_address = EXCLUDED.contract_address,
				goal = EXCLUDED.goal
		`,
			o.ID,
			o.Name,
			o.Symbol,
			strings.ToLower(o.Address.Hex()),
			o.Goal.String(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, o := range offerings {
		if _, err := br.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: offering %d %s", storage.ErrDuplicateOffering, o.ID, o.Address.Hex())
			}
			return err
		}
	}
	return nil
}

// LookupWallet finds the user owning a wallet address.
func (s *Store) LookupWallet(ctx context.Context, wallet string) (model.UserRef, bool, error) {
	var user model.UserRef
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username FROM wallet_profiles WHERE lower(wallet_address) = lower($1)
	`, wallet)
	if err := row.Scan(&user.ID, &user.Username); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserRef{}, false, nil
		}
		return model.UserRef{}, false, err
	}
	return user, true, nil
}
