// Package storage - Order cache operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderStatus uses internal/orderbook.Status's string names so this package
// stays independent of the in-memory order type. There is no constant for
// orderbook's partially_filled status.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// Order is the durable cache record for a gossiped order. Amount, Filled
// and Price are kept as decimal strings, matching the wire payload, so
// this package never needs to import the decimal library.
type Order struct {
	ID         string
	Maker      string
	Status     OrderStatus
	IsLocal    bool // True if this is our own order

	BaseAsset  string
	QuoteAsset string
	Side       string
	Amount     string
	Filled     string
	Price      string

	CreatedAt time.Time
	ExpiresAt *time.Time
	UpdatedAt *time.Time

	Signature string
}

// SaveOrder inserts or updates a cached order. Used both for our own
// orders and for orders learned from the gossip topic.
func (s *Storage) SaveOrder(order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *int64
	if order.ExpiresAt != nil {
		ts := order.ExpiresAt.Unix()
		expiresAt = &ts
	}

	isLocal := 0
	if order.IsLocal {
		isLocal = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, maker, status, base_asset, quote_asset, side,
			amount, filled, price, created_at, expires_at, is_local, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled = excluded.filled,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		order.ID, order.Maker, order.Status,
		order.BaseAsset, order.QuoteAsset, order.Side,
		order.Amount, order.Filled, order.Price,
		order.CreatedAt.Unix(), expiresAt, isLocal, order.Signature,
	)

	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	return nil
}

// GetOrder retrieves a cached order by ID.
func (s *Storage) GetOrder(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var order Order
	var createdAt, expiresAt, updatedAt sql.NullInt64
	var isLocal int

	err := s.db.QueryRow(`
		SELECT id, maker, status, base_asset, quote_asset, side,
			amount, filled, price, created_at, expires_at, updated_at, is_local, signature
		FROM orders WHERE id = ?
	`, id).Scan(
		&order.ID, &order.Maker, &order.Status,
		&order.BaseAsset, &order.QuoteAsset, &order.Side,
		&order.Amount, &order.Filled, &order.Price,
		&createdAt, &expiresAt, &updatedAt, &isLocal, &order.Signature,
	)

	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.CreatedAt = time.Unix(createdAt.Int64, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		order.ExpiresAt = &t
	}
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		order.UpdatedAt = &t
	}
	order.IsLocal = isLocal == 1

	return &order, nil
}

// UpdateOrderStatus updates the status of a cached order.
func (s *Storage) UpdateOrderStatus(id string, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// OrderFilter narrows ListOrders results.
type OrderFilter struct {
	Status     *OrderStatus
	BaseAsset  string
	QuoteAsset string
	Maker      string
	IsLocal    *bool
	Limit      int
	Offset     int
}

// ListOrders returns cached orders matching the filter, most recent first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, maker, status, base_asset, quote_asset, side,
			amount, filled, price, created_at, expires_at, updated_at, is_local, signature
		FROM orders WHERE 1=1
	`
	args := []interface{}{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.BaseAsset != "" {
		query += " AND base_asset = ?"
		args = append(args, filter.BaseAsset)
	}
	if filter.QuoteAsset != "" {
		query += " AND quote_asset = ?"
		args = append(args, filter.QuoteAsset)
	}
	if filter.Maker != "" {
		query += " AND maker = ?"
		args = append(args, filter.Maker)
	}
	if filter.IsLocal != nil {
		isLocal := 0
		if *filter.IsLocal {
			isLocal = 1
		}
		query += " AND is_local = ?"
		args = append(args, isLocal)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var order Order
		var createdAt, expiresAt, updatedAt sql.NullInt64
		var isLocal int

		err := rows.Scan(
			&order.ID, &order.Maker, &order.Status,
			&order.BaseAsset, &order.QuoteAsset, &order.Side,
			&order.Amount, &order.Filled, &order.Price,
			&createdAt, &expiresAt, &updatedAt, &isLocal, &order.Signature,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}

		order.CreatedAt = time.Unix(createdAt.Int64, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			order.ExpiresAt = &t
		}
		if updatedAt.Valid {
			t := time.Unix(updatedAt.Int64, 0)
			order.UpdatedAt = &t
		}
		order.IsLocal = isLocal == 1

		orders = append(orders, &order)
	}

	return orders, rows.Err()
}

// GetOpenOrders returns open orders for a trading pair.
func (s *Storage) GetOpenOrders(baseAsset, quoteAsset string) ([]*Order, error) {
	status := OrderStatusOpen
	return s.ListOrders(OrderFilter{
		Status:     &status,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
	})
}

// GetMyOrders returns orders we created, for reload on restart.
func (s *Storage) GetMyOrders() ([]*Order, error) {
	isLocal := true
	return s.ListOrders(OrderFilter{IsLocal: &isLocal})
}

// DeleteOrder removes a cached order.
func (s *Storage) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM orders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// ExpireOldOrders marks open orders past their expiry as expired.
func (s *Storage) ExpireOldOrders() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE orders
		SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
	`, OrderStatusExpired, time.Now().Unix(), OrderStatusOpen, time.Now().Unix())

	if err != nil {
		return 0, fmt.Errorf("failed to expire orders: %w", err)
	}

	return result.RowsAffected()
}

// CountOrders returns the count of cached orders, optionally filtered by status.
func (s *Storage) CountOrders(status *OrderStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error

	if status != nil {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders WHERE status = ?", *status).Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&count)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}

	return count, nil
}
