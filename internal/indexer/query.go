package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type ListingFilter struct {
	Seller     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

type ListingRow struct {
	Pubkey          string `json:"pubkey"`
	Seller          string `json:"seller"`
	ListingID       string `json:"listing_id"`
	PricePerUnit    string `json:"price_per_unit"`
	TotalUnits      string `json:"total_units"`
	AvailableUnits  string `json:"available_units"`
	MinPurchase     string `json:"min_purchase"`
	MaxPurchase     string `json:"max_purchase"`
	IsActive        bool   `json:"is_active"`
	CreatedAt       int64  `json:"created_at"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	Slot            uint64 `json:"slot"`
	UpdatedAt       int64  `json:"updated_at"`
}

type EscrowFilter struct {
	Buyer  string
	Seller string
	Status string
	Limit  int
	Offset int
}

type EscrowRow struct {
	Pubkey        string `json:"pubkey"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	EscrowWallet  string `json:"escrow_wallet"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Slot          uint64 `json:"slot"`
	UpdatedAt     int64  `json:"updated_at"`
}

type ActivityFilter struct {
	EventName string
	Limit     int
	Offset    int
}

type ActivityRow struct {
	ID         int64  `json:"id"`
	Signature  string `json:"signature"`
	EventName  string `json:"event_name"`
	FieldsJSON string `json:"fields"`
	Slot       uint64 `json:"slot"`
	BlockTime  *int64 `json:"block_time"`
	RecordedAt int64  `json:"recorded_at"`
}

func (s *Store) ListListings(ctx context.Context, filter ListingFilter) ([]ListingRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Seller != "" {
		clauses = append(clauses, "seller = ?")
		args = append(args, filter.Seller)
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = 1")
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, seller, listing_id, price_per_unit, total_units, available_units,
			min_purchase, max_purchase, is_active, created_at, expiry_timestamp,
			slot, updated_at
		FROM listings
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ListingRow, 0, limit)
	for rows.Next() {
		var item ListingRow
		var isActive int
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Seller,
			&item.ListingID,
			&item.PricePerUnit,
			&item.TotalUnits,
			&item.AvailableUnits,
			&item.MinPurchase,
			&item.MaxPurchase,
			&isActive,
			&item.CreatedAt,
			&item.ExpiryTimestamp,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.IsActive = isActive == 1
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetListing(ctx context.Context, pubkey string) (*ListingRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			pubkey, seller, listing_id, price_per_unit, total_units, available_units,
			min_purchase, max_purchase, is_active, created_at, expiry_timestamp,
			slot, updated_at
		FROM listings
		WHERE pubkey = ?
	`, pubkey)

	var item ListingRow
	var isActive int
	var slot int64
	err := row.Scan(
		&item.Pubkey,
		&item.Seller,
		&item.ListingID,
		&item.PricePerUnit,
		&item.TotalUnits,
		&item.AvailableUnits,
		&item.MinPurchase,
		&item.MaxPurchase,
		&isActive,
		&item.CreatedAt,
		&item.ExpiryTimestamp,
		&slot,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.IsActive = isActive == 1
	item.Slot = uint64(slot)
	return &item, nil
}

func (s *Store) ListEscrows(ctx context.Context, filter EscrowFilter) ([]EscrowRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 5)

	if filter.Buyer != "" {
		clauses = append(clauses, "buyer = ?")
		args = append(args, filter.Buyer)
	}
	if filter.Seller != "" {
		clauses = append(clauses, "seller = ?")
		args = append(args, filter.Seller)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, buyer, seller, escrow_wallet, amount, transaction_id,
			status, slot, updated_at
		FROM escrow_transactions
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]EscrowRow, 0, limit)
	for rows.Next() {
		var item EscrowRow
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Buyer,
			&item.Seller,
			&item.EscrowWallet,
			&item.Amount,
			&item.TransactionID,
			&item.Status,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if filter.EventName != "" {
		clauses = append(clauses, "event_name = ?")
		args = append(args, filter.EventName)
	}

	query := fmt.Sprintf(`
		SELECT id, signature, event_name, fields_json, slot, block_time, recorded_at
		FROM activity
		WHERE %s
		ORDER BY recorded_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ActivityRow, 0, limit)
	for rows.Next() {
		var item ActivityRow
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.Signature,
			&item.EventName,
			&item.FieldsJSON,
			&slot,
			&item.BlockTime,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
