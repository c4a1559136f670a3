package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/voltgrid/exchange/backend/internal/exchange"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			last_signature TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS listings (
			pubkey TEXT PRIMARY KEY,
			seller TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			price_per_unit TEXT NOT NULL,
			total_units TEXT NOT NULL,
			available_units TEXT NOT NULL,
			min_purchase TEXT NOT NULL,
			max_purchase TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			expiry_timestamp BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(is_active, expiry_timestamp);`,
		`CREATE TABLE IF NOT EXISTS escrow_transactions (
			pubkey TEXT PRIMARY KEY,
			buyer TEXT NOT NULL,
			seller TEXT NOT NULL,
			escrow_wallet TEXT NOT NULL,
			amount TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_buyer ON escrow_transactions(buyer, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_seller ON escrow_transactions(seller, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_transactions(status);`,
		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			signature TEXT NOT NULL,
			event_name TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			block_time BIGINT,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_dedupe ON activity(signature, event_name, fields_json);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_time ON activity(recorded_at DESC, id DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64, lastSignature string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, last_signature, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			last_signature = excluded.last_signature,
			updated_at = excluded.updated_at
	`, int64(slot), lastSignature, now)
	return err
}

func (s *Store) SyncState(ctx context.Context) (slot uint64, lastSignature string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_slot, last_signature FROM sync_state WHERE id = 1`)
	var rawSlot int64
	err = row.Scan(&rawSlot, &lastSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return uint64(rawSlot), lastSignature, nil
}

func (s *Store) UpsertListingTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, record *exchange.ListingRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (
			pubkey, seller, listing_id, price_per_unit, total_units, available_units,
			min_purchase, max_purchase, is_active, created_at, expiry_timestamp,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			seller = excluded.seller,
			listing_id = excluded.listing_id,
			price_per_unit = excluded.price_per_unit,
			total_units = excluded.total_units,
			available_units = excluded.available_units,
			min_purchase = excluded.min_purchase,
			max_purchase = excluded.max_purchase,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			expiry_timestamp = excluded.expiry_timestamp,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		record.Seller.String(),
		record.ListingID,
		strconv.FormatUint(record.PricePerUnit, 10),
		strconv.FormatUint(record.TotalUnits, 10),
		strconv.FormatUint(record.AvailableUnits, 10),
		strconv.FormatUint(record.MinPurchase, 10),
		strconv.FormatUint(record.MaxPurchase, 10),
		boolToInt(record.IsActive),
		record.CreatedAt,
		record.ExpiryTimestamp,
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertEscrowTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, record *exchange.EscrowRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			pubkey, buyer, seller, escrow_wallet, amount, transaction_id,
			status, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			buyer = excluded.buyer,
			seller = excluded.seller,
			escrow_wallet = excluded.escrow_wallet,
			amount = excluded.amount,
			transaction_id = excluded.transaction_id,
			status = excluded.status,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		record.Buyer.String(),
		record.Seller.String(),
		record.EscrowWallet.String(),
		strconv.FormatUint(record.Amount, 10),
		record.TransactionID,
		escrowStatus(record),
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) InsertActivityTx(ctx context.Context, tx *Tx, signature string, slot uint64, blockTime *int64, event exchange.Event) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity (signature, event_name, fields_json, slot, block_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		signature,
		event.Name,
		string(fields),
		int64(slot),
		blockTime,
		time.Now().Unix(),
	)
	return err
}

func escrowStatus(record *exchange.EscrowRecord) string {
	switch {
	case record.IsCompleted:
		return "completed"
	case record.IsCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
