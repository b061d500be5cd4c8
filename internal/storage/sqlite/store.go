package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

// Store is a single-file SQLite backend. It serializes all access through one
// connection, which is also what SQLite allows for writers.
type Store struct {
	db *sql.DB
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS offerings (
	id               INTEGER PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL DEFAULT '',
	contract_address TEXT NOT NULL UNIQUE,
	goal             TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS wallet_profiles (
	user_id        INTEGER PRIMARY KEY,
	username       TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS investments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      INTEGER NOT NULL,
	offering_id  INTEGER NOT NULL REFERENCES offerings(id),
	amount       TEXT NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'MON',
	distributed  BOOLEAN NOT NULL DEFAULT 0,
	tx_hash      TEXT NOT NULL UNIQUE,
	block_number INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS investments_offering_block_idx ON investments (offering_id, block_number);

CREATE TABLE IF NOT EXISTS sync_cursors (
	offering_id INTEGER PRIMARY KEY,
	last_block  INTEGER NOT NULL,
	updated_at  TEXT NOT NULL
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Record inserts inv unless its tx hash is already present.
func (s *Store) Record(ctx context.Context, inv model.Investment) (storage.RecordResult, error) {
	if err := storage.ValidateInvestment(inv); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO investments (user_id, offering_id, amount, currency, distributed, tx_hash, block_number, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (tx_hash) DO NOTHING
	`,
		inv.UserID,
		inv.OfferingID,
		inv.Amount.String(),
		inv.Currency,
		strings.ToLower(inv.TxHash),
		int64(inv.BlockNumber),
		now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert investment %s: %w", inv.TxHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return storage.AlreadyExists, nil
	}
	return storage.Inserted, nil
}

func (s *Store) ListByOffering(ctx context.Context, offeringID int64) ([]model.Investment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, offering_id, amount, currency, distributed, tx_hash, block_number, created_at
		FROM investments
		WHERE offering_id = ?
		ORDER BY block_number, id
	`, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Investment
	for rows.Next() {
		var (
			inv             model.Investment
			amount, created string
			block           int64
		)
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.OfferingID, &amount, &inv.Currency, &inv.Distributed, &inv.TxHash, &block, &created); err != nil {
			return nil, err
		}
		inv.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("investment %d amount: %w", inv.ID, err)
		}
		inv.BlockNumber = uint64(block)
		inv.CreatedAt = parseTime(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) LatestBlock(ctx context.Context, offeringID int64) (uint64, bool, error) {
	var block sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM investments WHERE offering_id = ?`, offeringID)
	if err := row.Scan(&block); err != nil {
		return 0, false, err
	}
	if !block.Valid {
		return 0, false, nil
	}
	return uint64(block.Int64), true, nil
}

func (s *Store) Load(ctx context.Context, offeringID int64) (model.SyncCursor, bool, error) {
	var (
		block   int64
		updated string
	)
	row := s.db.QueryRowContext(ctx, `SELECT last_block, updated_at FROM sync_cursors WHERE offering_id = ?`, offeringID)
	if err := row.Scan(&block, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncCursor{}, false, nil
		}
		return model.SyncCursor{}, false, err
	}
	return model.SyncCursor{OfferingID: offeringID, LastBlock: uint64(block), UpdatedAt: parseTime(updated)}, true, nil
}

// Save upserts the cursor, keeping the larger of the stored and new block.
func (s *Store) Save(ctx context.Context, offeringID int64, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (offering_id, last_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (offering_id) DO UPDATE
		SET last_block = MAX(sync_cursors.last_block, excluded.last_block), updated_at = excluded.updated_at
	`, offeringID, int64(block), now())
	return err
}

func (s *Store) Reset(ctx context.Context, offeringID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (offering_id, last_block, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (offering_id) DO UPDATE
		SET last_block = 0, updated_at = excluded.updated_at
	`, offeringID, now())
	return err
}

func (s *Store) ListOfferings(ctx context.Context) ([]model.Offering, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, symbol, contract_address, goal FROM offerings ORDER BY id`)
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

// ImportOfferings upserts offerings by id inside one transaction.
func (s *Store) ImportOfferings(ctx context.Context, offerings []model.Offering) error {
	if len(offerings) == 0 {
		return nil
	}
	if err := storage.ValidateOfferings(offerings); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range offerings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO offerings (id, name, symbol, contract_address, goal)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				symbol = excluded.symbol,
				contract_address = excluded.contract_address,
				goal = excluded.goal
		`, o.ID, o.Name, o.Symbol, strings.ToLower(o.Address.Hex()), o.Goal.String())
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: offering %d %s", storage.ErrDuplicateOffering, o.ID, o.Address.Hex())
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LookupWallet(ctx context.Context, wallet string) (model.UserRef, bool, error) {
	var user model.UserRef
	row := s.db.QueryRowContext(ctx, `SELECT user_id, username FROM wallet_profiles WHERE wallet_address = ?`, wallet)
	if err := row.Scan(&user.ID, &user.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserRef{}, false, nil
		}
		return model.UserRef{}, false, err
	}
	return user, true, nil
}
